package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/proxyurl"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/registry"
)

const testProxyHost = "ezproxy.library.wwu.edu"

type fetchFunc func(ctx context.Context) ([]string, error)

func (f fetchFunc) FetchDomains(ctx context.Context) ([]string, error) { return f(ctx) }

type switchableSource struct {
	mu  sync.Mutex
	err error
}

func (s *switchableSource) fetch(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []string{"journals.sagepub.com", "jstor.org"}, nil
}

func (s *switchableSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *switchableSource) {
	t.Helper()

	src := &switchableSource{}
	mgr := registry.NewManager(fetchFunc(src.fetch), nil, registry.Options{
		Interval: time.Hour,
		Retry:    registry.Backoff{Attempts: 1},
	}, nil, nil)
	_, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	svc := redirect.NewService(mgr,
		proxyurl.NewTransformer(testProxyHost, proxyurl.StyleSubdomain),
		nil, nil,
		redirect.Options{ProxyBaseHost: testProxyHost, BannerText: "Get access"},
		nil, nil)

	return NewServer(svc, mgr), src
}

func startTestGRPCServer(t *testing.T, srv RedirectServiceServer) *Client {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewGRPCServer(srv, nil, nil)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.GracefulStop)

	client, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCCheck_Eligible(t *testing.T) {
	srv, _ := newTestServer(t)
	client := startTestGRPCServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &CheckRequest{TabID: 3, URL: "https://journals.sagepub.com/doi/10.1/x?y=1"})
	require.NoError(t, err)
	require.True(t, resp.Eligible)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, 3, resp.Offer.TabID)
	assert.Equal(t, "journals.sagepub.com", resp.Offer.MatchedDomain)
	assert.Equal(t, "https://journals-sagepub-com.ezproxy.library.wwu.edu/doi/10.1/x?y=1", resp.Offer.ProxyURL)
	assert.Equal(t, "Get access", resp.Offer.BannerText)
}

func TestGRPCCheck_NotEligible(t *testing.T) {
	srv, _ := newTestServer(t)
	client := startTestGRPCServer(t, srv)

	resp, err := client.Check(context.Background(), &CheckRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.False(t, resp.Eligible)
	assert.Nil(t, resp.Offer)
}

func TestGRPCCheck_InvalidArgument(t *testing.T) {
	srv, _ := newTestServer(t)
	client := startTestGRPCServer(t, srv)

	for _, req := range []*CheckRequest{
		{},
		{URL: "example.com"},
		{URL: "https://example.com/" + string(make([]byte, maxURLLen))},
	} {
		_, err := client.Check(context.Background(), req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	}
}

func TestGRPCDismissAllow(t *testing.T) {
	srv, _ := newTestServer(t)
	client := startTestGRPCServer(t, srv)
	ctx := context.Background()

	resp, err := client.Dismiss(ctx, &DomainRequest{Domain: "jstor.org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jstor.org"}, resp.Domains)

	check, err := client.Check(ctx, &CheckRequest{URL: "https://www.jstor.org/stable/1"})
	require.NoError(t, err)
	require.True(t, check.Eligible)
	assert.True(t, check.Offer.Dismissed)

	resp, err = client.Allow(ctx, &DomainRequest{Domain: "jstor.org"})
	require.NoError(t, err)
	assert.Empty(t, resp.Domains)

	_, err = client.Dismiss(ctx, &DomainRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCStatusAndRefresh(t *testing.T) {
	srv, src := newTestServer(t)
	client := startTestGRPCServer(t, srv)
	ctx := context.Background()

	st, err := client.Status(ctx, &StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Domains)
	assert.Equal(t, "remote", st.Source)
	assert.False(t, st.Stale)

	resp, err := client.Refresh(ctx, &RefreshRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 2, resp.Domains)

	src.fail(errors.New("connection refused"))
	resp, err = client.Refresh(ctx, &RefreshRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Error, "connection refused")
	assert.Equal(t, 2, resp.Domains, "previous list keeps being served")
}
