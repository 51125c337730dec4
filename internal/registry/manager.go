package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
)

// Fetcher downloads the remote domain list once.
type Fetcher interface {
	FetchDomains(ctx context.Context) ([]string, error)
}

// StateStore persists the last successfully fetched list.
type StateStore interface {
	LoadDomains(ctx context.Context) ([]string, time.Time, bool, error)
	SaveDomains(ctx context.Context, domains []string, updatedAt time.Time) error
}

type Options struct {
	// Interval is the maximum age of a list before Refresh fetches again.
	Interval     time.Duration
	Retry        Backoff
	FallbackPath string

	// Now is used for timestamps; nil means time.Now.
	Now func() time.Time
}

// Status describes the list currently served.
type Status struct {
	Domains   int
	Source    domain.Source
	UpdatedAt time.Time
	Stale     bool
}

// Manager owns the proxy-eligible domain set: it loads it from the
// persisted cache, refreshes it from the remote source and falls back to
// the bundled list when nothing else is available.
type Manager struct {
	src     Fetcher
	store   StateStore
	opts    Options
	holder  *Holder
	log     *zap.Logger
	metrics *metrics.Metrics

	refreshing sync.Mutex

	hooksMu   sync.Mutex
	onReplace []func(*domain.Set)
}

func NewManager(src Fetcher, store StateStore, opts Options, log *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		src:     src,
		store:   store,
		opts:    opts,
		holder:  NewHolder(),
		log:     log,
		metrics: m,
	}
}

// OnReplace registers fn to run after every replacement of the domain set,
// e.g. to clear caches derived from it.
func (m *Manager) OnReplace(fn func(*domain.Set)) {
	m.hooksMu.Lock()
	m.onReplace = append(m.onReplace, fn)
	m.hooksMu.Unlock()
}

// Current returns the set being served. It is never nil.
func (m *Manager) Current() *domain.Set {
	return m.holder.Get()
}

// Match reports the member of the current set that host belongs to.
func (m *Manager) Match(host string) (string, bool) {
	return domain.Match(m.holder.Get(), host)
}

func (m *Manager) Status() Status {
	set := m.holder.Get()
	st := Status{
		Domains:   set.Len(),
		Source:    set.Source,
		UpdatedAt: set.UpdatedAt,
	}
	st.Stale = (set.Source != domain.SourceRemote && set.Source != domain.SourceCache) ||
		m.opts.Now().Sub(set.UpdatedAt) >= m.opts.Interval
	return st
}

// Refresh makes sure a usable set is loaded. A persisted list younger than
// Interval is served without touching the network; otherwise the remote list
// is fetched with retries.
//
// On fetch failure the previously loaded set keeps being served, or the
// bundled list is loaded when there was none. In both cases the returned set
// is the one now served and the error wraps ErrFetchFailed.
func (m *Manager) Refresh(ctx context.Context) (*domain.Set, error) {
	return m.refresh(ctx, false)
}

// ForceRefresh fetches the remote list regardless of the age of the current
// one. Periodic updates use it.
func (m *Manager) ForceRefresh(ctx context.Context) (*domain.Set, error) {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, force bool) (*domain.Set, error) {
	if !m.refreshing.TryLock() {
		m.metrics.RecordRefresh("skipped")
		return m.holder.Get(), ErrRefreshInFlight
	}
	defer m.refreshing.Unlock()

	if m.holder.Get().Len() == 0 {
		m.loadCache(ctx)
	}

	current := m.holder.Get()
	if !force && current.Source == domain.SourceCache && current.Len() > 0 &&
		m.opts.Now().Sub(current.UpdatedAt) < m.opts.Interval {
		m.log.Debug("persisted domain list is fresh, skipping fetch",
			zap.Int("domains", current.Len()),
			zap.Time("updated_at", current.UpdatedAt))
		m.metrics.RecordRefresh("cache")
		return current, nil
	}

	domains, err := Retry(ctx, m.opts.Retry, m.fetchOnce, func(attempt int, wait time.Duration, err error) {
		m.log.Warn("domain list fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.opts.Retry.attempts()),
			zap.Duration("next_wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return m.degrade(fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}

	now := m.opts.Now()
	set := domain.NewSet(domains, domain.SourceRemote, now)

	// A persistence failure does not block the update.
	if m.store != nil {
		if err := m.store.SaveDomains(ctx, set.Domains(), now); err != nil {
			m.log.Error("persist domain list failed", zap.Error(err))
		}
	}

	m.replace(set)
	m.metrics.RecordRefresh("remote")
	m.log.Info("domain list refreshed",
		zap.Int("domains", set.Len()),
		zap.String("source", string(set.Source)))
	return set, nil
}

func (m *Manager) fetchOnce(ctx context.Context, _ int) ([]string, error) {
	start := time.Now()
	domains, err := m.src.FetchDomains(ctx)
	m.metrics.RecordFetch(err == nil, time.Since(start))
	return domains, err
}

// degrade keeps the current set, or loads the bundled list when there is
// none, after a failed fetch.
func (m *Manager) degrade(fetchErr error) (*domain.Set, error) {
	current := m.holder.Get()
	if current.Len() > 0 {
		m.log.Warn("domain list refresh failed, serving stale list",
			zap.Int("domains", current.Len()),
			zap.String("source", string(current.Source)),
			zap.Time("updated_at", current.UpdatedAt),
			zap.Error(fetchErr))
		m.metrics.RecordRefresh("stale")
		return current, fetchErr
	}

	domains, err := LoadFallback(m.opts.FallbackPath)
	if err != nil {
		m.log.Error("no domain list available: remote and bundled lists both failed",
			zap.Bool("critical", true),
			zap.NamedError("fetch_error", fetchErr),
			zap.NamedError("fallback_error", err))
		m.metrics.RecordRefresh("failed")
		return current, errors.Join(fetchErr, err)
	}

	set := domain.NewSet(domains, domain.SourceFallback, m.opts.Now())
	m.replace(set)
	m.metrics.RecordRefresh("fallback")
	m.log.Warn("domain list refresh failed, loaded bundled list",
		zap.Int("domains", set.Len()),
		zap.Error(fetchErr))
	return set, fetchErr
}

// loadCache seeds the holder from the persisted list, even a stale one:
// an old list still beats the bundled fallback.
func (m *Manager) loadCache(ctx context.Context) {
	if m.store == nil {
		return
	}
	raw, updatedAt, ok, err := m.store.LoadDomains(ctx)
	if err != nil {
		m.log.Warn("load persisted domain list failed", zap.Error(err))
		return
	}
	if !ok || len(raw) == 0 {
		return
	}

	domains := make([]string, 0, len(raw))
	for _, d := range raw {
		host, err := domain.NormalizeHost(d)
		if err != nil {
			continue
		}
		domains = append(domains, host)
	}
	if len(domains) == 0 {
		return
	}

	set := domain.NewSet(domains, domain.SourceCache, updatedAt)
	m.replace(set)
	m.log.Info("loaded persisted domain list",
		zap.Int("domains", set.Len()),
		zap.Time("updated_at", updatedAt))
}

func (m *Manager) replace(set *domain.Set) {
	m.holder.Set(set)
	m.metrics.SetDomains(set.Len(), set.UpdatedAt)

	m.hooksMu.Lock()
	hooks := append([]func(*domain.Set){}, m.onReplace...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(set)
	}
}
