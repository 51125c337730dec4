package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Start loads the domain list once, then refreshes it every interval until
// ctx is done. A tick that arrives while the previous refresh is still
// retrying is skipped.
func Start(ctx context.Context, interval time.Duration, mgr *Manager, log *zap.Logger) error {
	if interval <= 0 {
		return nil // config should already be validated
	}
	if log == nil {
		log = zap.NewNop()
	}

	if set, err := mgr.Refresh(ctx); err != nil {
		log.Warn("initial domain list refresh degraded",
			zap.Int("domains", set.Len()),
			zap.String("source", string(set.Source)),
			zap.Error(err))
	} else {
		log.Info("initial domain list ready",
			zap.Int("domains", set.Len()),
			zap.String("source", string(set.Source)))
	}

	cl := cronLogger{log.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		updateOnce(ctx, mgr, log)
	}); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("updater stopped", zap.Error(ctx.Err()))
	return nil
}

func updateOnce(ctx context.Context, mgr *Manager, log *zap.Logger) {
	set, err := mgr.ForceRefresh(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshInFlight):
		log.Debug("scheduled refresh skipped, another refresh is running")
	case ctx.Err() != nil:
	default:
		log.Warn("scheduled refresh failed",
			zap.Int("domains", set.Len()),
			zap.String("source", string(set.Source)),
			zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
