package grpc

import (
	"context"
	"errors"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/domain"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/metrics"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/registry"
)

// Redirects is the part of redirect.Service the transport needs.
type Redirects interface {
	Check(ctx context.Context, nav redirect.Navigation) (redirect.Offer, bool, error)
	Dismiss(ctx context.Context, d string) error
	Allow(ctx context.Context, d string) error
	Dismissed() []string
}

// DomainList is the part of registry.Manager the transport needs.
type DomainList interface {
	Status() registry.Status
	ForceRefresh(ctx context.Context) (*domain.Set, error)
}

type Server struct {
	redirects Redirects
	domains   DomainList
}

func NewServer(redirects Redirects, domains DomainList) *Server {
	return &Server{redirects: redirects, domains: domains}
}

const maxURLLen = 2048

func (s *Server) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	rawURL := strings.TrimSpace(req.URL)
	host := strings.TrimSpace(req.Hostname)
	if rawURL == "" && host == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}
	if len(rawURL) > maxURLLen {
		return nil, status.Error(codes.InvalidArgument, "url is too long")
	}

	offer, ok, err := s.redirects.Check(ctx, redirect.Navigation{
		TabID:    req.TabID,
		Hostname: host,
		FullURL:  rawURL,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if !ok {
		return &CheckResponse{}, nil
	}
	return &CheckResponse{Eligible: true, Offer: &offer}, nil
}

func (s *Server) Dismiss(ctx context.Context, req *DomainRequest) (*DismissedResponse, error) {
	if strings.TrimSpace(req.Domain) == "" {
		return nil, status.Error(codes.InvalidArgument, "domain is required")
	}
	if err := s.redirects.Dismiss(ctx, req.Domain); err != nil {
		return nil, toStatus(err)
	}
	return s.DismissedDomains(), nil
}

func (s *Server) Allow(ctx context.Context, req *DomainRequest) (*DismissedResponse, error) {
	if strings.TrimSpace(req.Domain) == "" {
		return nil, status.Error(codes.InvalidArgument, "domain is required")
	}
	if err := s.redirects.Allow(ctx, req.Domain); err != nil {
		return nil, toStatus(err)
	}
	return s.DismissedDomains(), nil
}

// DismissedDomains lists the dismissed domains, never nil.
func (s *Server) DismissedDomains() *DismissedResponse {
	list := s.redirects.Dismissed()
	if list == nil {
		list = []string{}
	}
	return &DismissedResponse{Domains: list}
}

func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	st := s.statusResponse()
	return &st, nil
}

func (s *Server) Refresh(ctx context.Context, _ *RefreshRequest) (*RefreshResponse, error) {
	set, err := s.domains.ForceRefresh(ctx)
	if errors.Is(err, registry.ErrRefreshInFlight) {
		return nil, status.Error(codes.Aborted, "refresh already in progress")
	}
	if err != nil && set.Len() == 0 {
		return nil, status.Errorf(codes.Unavailable, "no domain list available: %v", err)
	}

	resp := &RefreshResponse{StatusResponse: s.statusResponse()}
	if err != nil {
		resp.Degraded = true
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *Server) statusResponse() StatusResponse {
	st := s.domains.Status()
	return StatusResponse{
		Domains:   st.Domains,
		Source:    string(st.Source),
		UpdatedAt: st.UpdatedAt,
		Stale:     st.Stale,
		Dismissed: len(s.redirects.Dismissed()),
	}
}

func toStatus(err error) error {
	if errors.Is(err, redirect.ErrInvalidNavigation) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// NewGRPCServer builds a grpc.Server exposing srv, with call logging and
// metrics.
func NewGRPCServer(srv RedirectServiceServer, log *zap.Logger, m *metrics.Metrics) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(observe(log, m)))
	RegisterRedirectServiceServer(s, srv)
	reflection.Register(s)
	return s
}

func observe(log *zap.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		code := status.Code(err)
		m.RecordGRPCCall(info.FullMethod, code.String())
		if code == codes.Internal || code == codes.Unavailable {
			log.Warn("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

// RunGRPCServer starts a gRPC server on the given address and
// shuts it down gracefully when the context is canceled.
func RunGRPCServer(ctx context.Context, addr string, srv RedirectServiceServer, log *zap.Logger, m *metrics.Metrics) error {
	if addr == "" {
		addr = ":9090"
	}
	if log == nil {
		log = zap.NewNop()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := NewGRPCServer(srv, log, m)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

var _ RedirectServiceServer = (*Server)(nil)
