package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/events"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	grpctransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/grpc"
)

const (
	maxBodyBytes = 64 << 10

	writeTimeout = 10 * time.Second

	// defaultRefreshTimeout leaves room to write the degraded response
	// before writeTimeout closes the connection.
	defaultRefreshTimeout = writeTimeout - 2*time.Second
)

// Navigator queues navigation checks; navigation.Debouncer implements it.
type Navigator interface {
	Notify(tabID int, nav redirect.Navigation)
	Cancel(tabID int)
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int

	// ReadyMaxAge is the oldest domain list /readyz accepts; zero disables
	// the age check.
	ReadyMaxAge time.Duration

	// RefreshTimeout bounds POST /api/v1/refresh; it must stay below the
	// server write timeout. Zero means defaultRefreshTimeout.
	RefreshTimeout time.Duration
}

type Deps struct {
	API        *grpctransport.Server
	Hub        *events.Hub
	Navigation Navigator
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewHandler builds the HTTP surface: the /api/v1 gateway, the event
// stream, health checks and metrics.
func NewHandler(deps Deps, opts Options) (http.Handler, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	gw, err := newGatewayMux(deps, opts)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(log, deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", readyz(deps.API, opts.ReadyMaxAge))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(opts.RateLimitRPS, opts.RateLimitBurst))
		if deps.Hub != nil {
			r.Get("/events", eventStream(deps.Hub, log.Named("events"), deps.Metrics))
		}
		r.Mount("/", gw)
	})

	return r, nil
}

func newGatewayMux(deps Deps, opts Options) (*runtime.ServeMux, error) {
	api := deps.API
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 || refreshTimeout >= writeTimeout {
		refreshTimeout = defaultRefreshTimeout
	}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/check", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			q := r.URL.Query()
			req := &grpctransport.CheckRequest{URL: q.Get("url"), Hostname: q.Get("hostname")}
			if tab := q.Get("tabId"); tab != "" {
				id, err := strconv.Atoi(tab)
				if err != nil {
					writeError(w, http.StatusBadRequest, "tabId must be an integer")
					return
				}
				req.TabID = id
			}
			resp, err := api.Check(r.Context(), req)
			respond(w, resp, err)
		}},
		{http.MethodPost, "/api/v1/navigation", navigationHandler(deps.Navigation)},
		{http.MethodDelete, "/api/v1/tabs/{tabId}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			id, err := strconv.Atoi(params["tabId"])
			if err != nil {
				writeError(w, http.StatusBadRequest, "tabId must be an integer")
				return
			}
			if deps.Navigation != nil {
				deps.Navigation.Cancel(id)
			}
			w.WriteHeader(http.StatusNoContent)
		}},
		{http.MethodPost, "/api/v1/dismiss", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			var req grpctransport.DomainRequest
			if !decode(w, r, &req) {
				return
			}
			resp, err := api.Dismiss(r.Context(), &req)
			respond(w, resp, err)
		}},
		{http.MethodPost, "/api/v1/allow", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			var req grpctransport.DomainRequest
			if !decode(w, r, &req) {
				return
			}
			resp, err := api.Allow(r.Context(), &req)
			respond(w, resp, err)
		}},
		{http.MethodGet, "/api/v1/dismissed", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusOK, api.DismissedDomains())
		}},
		{http.MethodGet, "/api/v1/status", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := api.Status(r.Context(), &grpctransport.StatusRequest{})
			respond(w, resp, err)
		}},
		{http.MethodPost, "/api/v1/refresh", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
			defer cancel()
			resp, err := api.Refresh(ctx, &grpctransport.RefreshRequest{})
			respond(w, resp, err)
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func navigationHandler(nav Navigator) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var req redirect.Navigation
		if !decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Hostname) == "" && strings.TrimSpace(req.FullURL) == "" {
			writeError(w, http.StatusBadRequest, "hostname or fullUrl is required")
			return
		}
		if nav == nil {
			writeError(w, http.StatusServiceUnavailable, "navigation checks are disabled")
			return
		}
		nav.Notify(req.TabID, req)
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
	}
}

func readyz(api *grpctransport.Server, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, _ := api.Status(r.Context(), &grpctransport.StatusRequest{})
		if st == nil || st.Domains == 0 || st.UpdatedAt.IsZero() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		if age := time.Since(st.UpdatedAt); maxAge > 0 && (age < 0 || age > maxAge) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("stale"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		st := status.Convert(err)
		writeError(w, runtime.HTTPStatusFromCode(st.Code()), st.Message())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RunHTTPServer serves handler on addr and shuts it down gracefully when
// the context is canceled.
func RunHTTPServer(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server: graceful shutdown error", zap.Error(err))
		}
	}()

	log.Info("HTTP server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
