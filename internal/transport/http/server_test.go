package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/events"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/navigation"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/proxyurl"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/registry"
	grpctransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/grpc"
)

const testProxyHost = "ezproxy.library.wwu.edu"

type fetchFunc func(ctx context.Context) ([]string, error)

func (f fetchFunc) FetchDomains(ctx context.Context) ([]string, error) { return f(ctx) }

type testEnv struct {
	handler http.Handler
	hub     *events.Hub
	manager *registry.Manager
}

type envOptions struct {
	now       func() time.Time
	noRefresh bool
	opts      Options

	// fetch replaces the source after the initial refresh.
	fetch fetchFunc
}

func newTestEnv(tb testing.TB, eo envOptions) *testEnv {
	tb.Helper()

	var refreshed atomic.Bool
	src := fetchFunc(func(ctx context.Context) ([]string, error) {
		if eo.fetch != nil && refreshed.Load() {
			return eo.fetch(ctx)
		}
		return []string{"journals.sagepub.com", "jstor.org"}, nil
	})
	mgr := registry.NewManager(src, nil, registry.Options{
		Interval: time.Hour,
		Retry:    registry.Backoff{Attempts: 1},
		Now:      eo.now,
	}, nil, nil)
	if !eo.noRefresh {
		_, err := mgr.Refresh(context.Background())
		require.NoError(tb, err)
	}
	refreshed.Store(true)

	hub := events.NewHub(8, nil)
	svc := redirect.NewService(mgr,
		proxyurl.NewTransformer(testProxyHost, proxyurl.StyleSubdomain),
		nil, hub,
		redirect.Options{ProxyBaseHost: testProxyHost, BannerText: "Get access"},
		nil, nil)
	deb := navigation.NewDebouncer(10*time.Millisecond, func(nav redirect.Navigation) {
		svc.Handle(context.Background(), nav)
	}, nil)
	tb.Cleanup(deb.Stop)

	h, err := NewHandler(Deps{
		API:        grpctransport.NewServer(svc, mgr),
		Hub:        hub,
		Navigation: deb,
		Metrics:    metrics.New(),
	}, eo.opts)
	require.NoError(tb, err)

	return &testEnv{handler: h, hub: hub, manager: mgr}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHTTPCheck_Eligible(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(http.MethodGet, "/api/v1/check?url=https://journals.sagepub.com/doi/10.1/x&tabId=4", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp grpctransport.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Eligible)
	assert.Equal(t, 4, resp.Offer.TabID)
	assert.Equal(t, "https://journals-sagepub-com.ezproxy.library.wwu.edu/doi/10.1/x", resp.Offer.ProxyURL)
}

func TestHTTPCheck_NotEligible(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(http.MethodGet, "/api/v1/check?url=https://example.com", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"eligible":false}`, w.Body.String())
}

func TestHTTPCheck_BadRequest(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, target := range []string{
		"/api/v1/check?url=example.com",
		"/api/v1/check",
		"/api/v1/check?url=https://jstor.org&tabId=x",
	} {
		w := env.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestHTTPDismissAllow(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(http.MethodPost, "/api/v1/dismiss", `{"domain":"jstor.org"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"domains":["jstor.org"]}`, w.Body.String())

	w = env.do(http.MethodGet, "/api/v1/dismissed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"domains":["jstor.org"]}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/allow", `{"domain":"jstor.org"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/v1/dismissed", "")
	assert.JSONEq(t, `{"domains":[]}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/dismiss", `{"domain":"bad host"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/dismiss", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPStatusAndRefresh(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st grpctransport.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Domains)
	assert.Equal(t, "remote", st.Source)

	w = env.do(http.MethodPost, "/api/v1/refresh", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rr grpctransport.RefreshResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rr))
	assert.False(t, rr.Degraded)
}

func TestHTTPRefresh_TimesOutDegraded(t *testing.T) {
	env := newTestEnv(t, envOptions{
		opts: Options{RefreshTimeout: 50 * time.Millisecond},
		fetch: func(ctx context.Context) ([]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	start := time.Now()
	w := env.do(http.MethodPost, "/api/v1/refresh", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Less(t, time.Since(start), 5*time.Second)

	var rr grpctransport.RefreshResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rr))
	assert.True(t, rr.Degraded)
	assert.Contains(t, rr.Error, "deadline exceeded")
	assert.Equal(t, 2, rr.Domains, "stale list is still served")
}

func TestHTTPNavigation_PublishesOffer(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sub := env.hub.Subscribe()

	w := env.do(http.MethodPost, "/api/v1/navigation",
		`{"tabId":9,"hostname":"www.jstor.org","fullUrl":"https://www.jstor.org/stable/1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case offer := <-sub.C:
		assert.Equal(t, 9, offer.TabID)
		assert.Equal(t, "jstor.org", offer.MatchedDomain)
		assert.Equal(t, "https://jstor-org.ezproxy.library.wwu.edu/stable/1", offer.ProxyURL)
	case <-time.After(2 * time.Second):
		t.Fatal("no offer published")
	}

	w = env.do(http.MethodPost, "/api/v1/navigation", `{"tabId":9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/tabs/9", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHTTPEvents_WebSocket(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	env.hub.Publish(redirect.Offer{MatchedDomain: "jstor.org", ProxyURL: "https://jstor-org.ezproxy.library.wwu.edu/"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer redirect.Offer
	require.NoError(t, conn.ReadJSON(&offer))
	assert.Equal(t, "jstor.org", offer.MatchedDomain)
}

func TestAllowedOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"chrome-extension://abcdef", true},
		{"moz-extension://1234", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/api/v1/events", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, allowedOrigin(r), tt.origin)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{opts: Options{RateLimitRPS: 0.001, RateLimitBurst: 1}})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code, "health checks are not limited")
}

func TestReadyz(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		env := newTestEnv(t, envOptions{noRefresh: true})
		assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/readyz", "").Code)
	})

	t.Run("too old", func(t *testing.T) {
		old := func() time.Time { return time.Now().Add(-72 * time.Hour) }
		env := newTestEnv(t, envOptions{now: old, opts: Options{ReadyMaxAge: 48 * time.Hour}})
		w := env.do(http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "stale", w.Body.String())
	})

	t.Run("fresh", func(t *testing.T) {
		env := newTestEnv(t, envOptions{opts: Options{ReadyMaxAge: 48 * time.Hour}})
		assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "").Code)
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
	env.do(http.MethodGet, "/api/v1/status", "")

	w := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ezproxy_http_requests_total")
}

func TestRespond_MapsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	respond(w, nil, errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func BenchmarkHTTPCheck(b *testing.B) {
	env := newTestEnv(b, envOptions{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/check?url=https://journals.sagepub.com/doi/1", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
	}
}
