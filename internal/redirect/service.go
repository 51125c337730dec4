// Package redirect turns navigation events into redirect offers: it matches
// the visited host against the proxy-eligible domains, builds the proxied
// URL and honours the domains the user dismissed.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/proxyurl"
)

var ErrInvalidNavigation = errors.New("invalid navigation")

// Navigation is a completed top-level navigation reported by the browser.
type Navigation struct {
	TabID    int    `json:"tabId"`
	Hostname string `json:"hostname"`
	FullURL  string `json:"fullUrl"`
}

// Offer is what the presentation layer renders as a banner.
type Offer struct {
	TabID           int    `json:"tabId,omitempty"`
	OriginalURL     string `json:"originalUrl"`
	MatchedDomain   string `json:"matchedDomain"`
	ProxyURL        string `json:"proxyUrl"`
	BannerText      string `json:"bannerText"`
	InstitutionName string `json:"institutionName"`
	Dismissed       bool   `json:"dismissed"`
}

type Matcher interface {
	Match(host string) (string, bool)
}

type URLBuilder interface {
	ToProxyURL(originalURL, matchedDomain string) (string, error)
}

type DismissStore interface {
	Dismissed(ctx context.Context) ([]string, error)
	SaveDismissed(ctx context.Context, domains []string) error
}

// Publisher receives offers for domains that are not dismissed.
type Publisher interface {
	Publish(Offer)
}

type Options struct {
	ProxyBaseHost   string
	BannerText      string
	InstitutionName string
}

type Service struct {
	matcher   Matcher
	builder   URLBuilder
	store     DismissStore
	publisher Publisher
	opts      Options
	proxyHost string
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	dismissed *domain.Set
}

func NewService(matcher Matcher, builder URLBuilder, store DismissStore, publisher Publisher, opts Options, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		matcher:   matcher,
		builder:   builder,
		store:     store,
		publisher: publisher,
		opts:      opts,
		proxyHost: proxyHostOf(opts.ProxyBaseHost),
		log:       log,
		metrics:   m,
		dismissed: domain.EmptySet(),
	}
}

// Load reads the dismissed domains from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := s.store.Dismissed(ctx)
	if err != nil {
		return fmt.Errorf("load dismissed domains: %w", err)
	}
	s.mu.Lock()
	s.dismissed = domain.NewSet(list, domain.SourceCache, time.Now())
	s.mu.Unlock()
	return nil
}

// Check evaluates one navigation. ok is false when no redirect should be
// offered; an offer for a dismissed domain is returned with Dismissed set.
func (s *Service) Check(ctx context.Context, nav Navigation) (Offer, bool, error) {
	host, fullURL, err := resolve(nav)
	if err != nil {
		s.metrics.RecordCheck("invalid")
		return Offer{}, false, err
	}

	if s.proxyHost != "" && domain.IsSubdomainOf(host, s.proxyHost) {
		s.metrics.RecordCheck("proxied")
		return Offer{}, false, nil
	}

	matched, ok := s.matcher.Match(host)
	if !ok {
		s.metrics.RecordCheck("miss")
		return Offer{}, false, nil
	}

	proxyURL, err := s.builder.ToProxyURL(fullURL, matched)
	if err != nil {
		s.log.Warn("proxy url not available",
			zap.String("url", fullURL),
			zap.String("matched_domain", matched),
			zap.Error(err))
		s.metrics.RecordCheck("build_failed")
		return Offer{}, false, nil
	}

	offer := Offer{
		TabID:           nav.TabID,
		OriginalURL:     fullURL,
		MatchedDomain:   matched,
		ProxyURL:        proxyURL,
		BannerText:      s.opts.BannerText,
		InstitutionName: s.opts.InstitutionName,
		Dismissed:       s.IsDismissed(host),
	}
	if offer.Dismissed {
		s.metrics.RecordCheck("dismissed")
	} else {
		s.metrics.RecordCheck("match")
	}
	return offer, true, nil
}

// Handle checks nav and publishes the resulting offer unless it is
// dismissed. Errors are logged, never returned: it runs from timers.
func (s *Service) Handle(ctx context.Context, nav Navigation) {
	offer, ok, err := s.Check(ctx, nav)
	if err != nil {
		s.log.Debug("navigation ignored", zap.Int("tab_id", nav.TabID), zap.Error(err))
		return
	}
	if !ok || offer.Dismissed || s.publisher == nil {
		return
	}
	s.publisher.Publish(offer)
	s.metrics.RecordOffer()
}

// IsDismissed reports whether host or one of its parents was dismissed.
func (s *Service) IsDismissed(host string) bool {
	s.mu.RLock()
	set := s.dismissed
	s.mu.RUnlock()
	_, ok := domain.Match(set, host)
	return ok
}

// Dismissed returns the dismissed domains in lexical order.
func (s *Service) Dismissed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dismissed.Domains()
}

// Dismiss stops offers for d and its subdomains.
func (s *Service) Dismiss(ctx context.Context, d string) error {
	return s.update(ctx, d, func(list []string, host string) []string {
		return append(list, host)
	})
}

// Allow undoes Dismiss for d.
func (s *Service) Allow(ctx context.Context, d string) error {
	return s.update(ctx, d, func(list []string, host string) []string {
		out := list[:0]
		for _, x := range list {
			if x != host {
				out = append(out, x)
			}
		}
		return out
	})
}

func (s *Service) update(ctx context.Context, d string, fn func([]string, string) []string) error {
	host, err := domain.NormalizeHost(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNavigation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := domain.NewSet(fn(s.dismissed.Domains(), host), domain.SourceCache, time.Now())
	if s.store != nil {
		if err := s.store.SaveDismissed(ctx, next.Domains()); err != nil {
			return fmt.Errorf("save dismissed domains: %w", err)
		}
	}
	s.dismissed = next
	return nil
}

func resolve(nav Navigation) (host, fullURL string, err error) {
	fullURL = strings.TrimSpace(nav.FullURL)

	if h := strings.TrimSpace(nav.Hostname); h != "" {
		host, err = domain.NormalizeHost(h)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidNavigation, err)
		}
		if fullURL == "" {
			fullURL = "https://" + host + "/"
		}
		return host, fullURL, nil
	}

	if fullURL == "" {
		return "", "", fmt.Errorf("%w: hostname or url required", ErrInvalidNavigation)
	}
	n, err := domain.Normalize(fullURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidNavigation, err)
	}
	return n.Host, fullURL, nil
}

// proxyHostOf extracts the hostname from a proxy base that may be a bare
// host or a URL prefix.
func proxyHostOf(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if strings.Contains(base, "://") {
		if n, err := domain.Normalize(base); err == nil {
			return n.Host
		}
		return ""
	}
	if i := strings.IndexAny(base, "/?#"); i != -1 {
		base = base[:i]
	}
	host, err := domain.NormalizeHost(base)
	if err != nil {
		return ""
	}
	return host
}

var _ URLBuilder = (*proxyurl.Transformer)(nil)
