package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/config"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/events"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/navigation"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/proxyurl"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/registry"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/storage"
	grpctransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/grpc"
	httptransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/http"
)

// App holds the wired components of the service.
type App struct {
	Config      config.Config
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Store       *storage.Store
	Domains     *registry.Manager
	Transformer *proxyurl.Transformer
	Redirects   *redirect.Service
	Hub         *events.Hub
	API         *grpctransport.Server
}

// New opens the state store and wires every component. The domain list is
// not loaded yet; Run or an explicit Domains.Refresh does that.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.New()

	store, err := storage.Open(ctx, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	client := registry.NewClient(cfg.DomainListURL, cfg.FetchTimeout, log.Named("fetch"))
	mgr := registry.NewManager(client, store, registry.Options{
		Interval: cfg.UpdateInterval,
		Retry: registry.Backoff{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryDelay,
		},
		FallbackPath: cfg.LocalListPath,
	}, log.Named("registry"), m)

	transformer := proxyurl.NewTransformer(cfg.ProxyBaseHost, cfg.ProxyStyle)
	mgr.OnReplace(func(*domain.Set) { transformer.Reset() })

	hub := events.NewHub(0, log.Named("events"))
	svc := redirect.NewService(mgr, transformer, store, hub, redirect.Options{
		ProxyBaseHost:   cfg.ProxyBaseHost,
		BannerText:      cfg.BannerText,
		InstitutionName: cfg.InstitutionName,
	}, log.Named("redirect"), m)

	if err := svc.Load(ctx); err != nil {
		log.Warn("dismissed domains not loaded, starting with none", zap.Error(err))
	}

	return &App{
		Config:      cfg,
		Log:         log,
		Metrics:     m,
		Store:       store,
		Domains:     mgr,
		Transformer: transformer,
		Redirects:   svc,
		Hub:         hub,
		API:         grpctransport.NewServer(svc, mgr),
	}, nil
}

func (a *App) Close() error {
	a.Hub.Close()
	return a.Store.Close()
}

// Run starts the updater and both servers and blocks until ctx is done or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config

	deb := navigation.NewDebouncer(cfg.DebounceDelay, func(nav redirect.Navigation) {
		a.Redirects.Handle(ctx, nav)
	}, a.Metrics)

	handler, err := httptransport.NewHandler(httptransport.Deps{
		API:        a.API,
		Hub:        a.Hub,
		Navigation: deb,
		Log:        a.Log.Named("http"),
		Metrics:    a.Metrics,
	}, httptransport.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		ReadyMaxAge:    2 * cfg.UpdateInterval,
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return registry.Start(ctx, cfg.UpdateInterval, a.Domains, a.Log.Named("updater"))
	})

	g.Go(func() error {
		return grpctransport.RunGRPCServer(ctx, cfg.GRPCAddr, a.API, a.Log.Named("grpc"), a.Metrics)
	})

	g.Go(func() error {
		return httptransport.RunHTTPServer(ctx, cfg.HTTPAddr, handler, a.Log.Named("http"))
	})

	g.Go(func() error {
		<-ctx.Done()
		deb.Stop()
		a.Hub.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		a.Log.Error("servers stopped with error", zap.Error(err))
		return err
	}

	a.Log.Info("servers stopped gracefully")
	return nil
}
