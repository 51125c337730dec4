package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/app"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/config"
	grpctransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/grpc"
)

func setEnv(t *testing.T, listURL string) {
	t.Helper()
	t.Setenv("EZPROXY_DOMAIN_LIST_URL", listURL)
	t.Setenv("EZPROXY_PROXY_BASE_HOST", "ezproxy.library.wwu.edu")
	t.Setenv("EZPROXY_STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("EZPROXY_LOG_LEVEL", "error")
}

func listServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["jstor.org"]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckOffline(t *testing.T) {
	setEnv(t, listServer(t).URL)

	out, err := run(t, "check", "--offline", "https://www.jstor.org/stable/1")
	require.NoError(t, err)

	var resp grpctransport.CheckResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.True(t, resp.Eligible)
	assert.Equal(t, "https://jstor-org.ezproxy.library.wwu.edu/stable/1", resp.Offer.ProxyURL)
}

func TestCheckOffline_InvalidConfig(t *testing.T) {
	t.Setenv("EZPROXY_DOMAIN_LIST_URL", "")
	t.Setenv("EZPROXY_PROXY_BASE_HOST", "")

	_, err := run(t, "check", "--offline", "https://www.jstor.org/")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestClientCommands(t *testing.T) {
	setEnv(t, listServer(t).URL)
	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Domains.Refresh(context.Background())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpctransport.NewGRPCServer(a.API, nil, nil)
	go func() { _ = s.Serve(lis) }()
	defer s.GracefulStop()

	addr := lis.Addr().String()

	out, err := run(t, "--addr", addr, "dismiss", "jstor.org")
	require.NoError(t, err)
	assert.JSONEq(t, `{"domains":["jstor.org"]}`, out)

	out, err = run(t, "--addr", addr, "allow", "jstor.org")
	require.NoError(t, err)
	assert.JSONEq(t, `{"domains":[]}`, out)

	out, err = run(t, "--addr", addr, "check", "https://jstor.org/x")
	require.NoError(t, err)
	assert.Contains(t, out, "jstor-org.ezproxy.library.wwu.edu")

	out, err = run(t, "--addr", addr, "status")
	require.NoError(t, err)
	var st grpctransport.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Domains)

	_, err = run(t, "--addr", addr, "--timeout", time.Second.String(), "refresh")
	require.NoError(t, err)
}
