package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
)

const serviceName = "ezproxy.v1.RedirectService"

type CheckRequest struct {
	TabID    int    `json:"tabId,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	URL      string `json:"url"`
}

type CheckResponse struct {
	Eligible bool            `json:"eligible"`
	Offer    *redirect.Offer `json:"offer,omitempty"`
}

type DomainRequest struct {
	Domain string `json:"domain"`
}

type DismissedResponse struct {
	Domains []string `json:"domains"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Domains   int       `json:"domains"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
	Stale     bool      `json:"stale"`
	Dismissed int       `json:"dismissed"`
}

type RefreshRequest struct{}

type RefreshResponse struct {
	StatusResponse
	// Degraded is set when the remote list could not be fetched and an
	// older or bundled list is served instead.
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// RedirectServiceServer is the server API of ezproxy.v1.RedirectService.
type RedirectServiceServer interface {
	Check(context.Context, *CheckRequest) (*CheckResponse, error)
	Dismiss(context.Context, *DomainRequest) (*DismissedResponse, error)
	Allow(context.Context, *DomainRequest) (*DismissedResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
}

func RegisterRedirectServiceServer(s grpc.ServiceRegistrar, srv RedirectServiceServer) {
	s.RegisterService(&redirectServiceDesc, srv)
}

var redirectServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RedirectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler("Check", func(s RedirectServiceServer, ctx context.Context, in *CheckRequest) (any, error) {
			return s.Check(ctx, in)
		})},
		{MethodName: "Dismiss", Handler: unaryHandler("Dismiss", func(s RedirectServiceServer, ctx context.Context, in *DomainRequest) (any, error) {
			return s.Dismiss(ctx, in)
		})},
		{MethodName: "Allow", Handler: unaryHandler("Allow", func(s RedirectServiceServer, ctx context.Context, in *DomainRequest) (any, error) {
			return s.Allow(ctx, in)
		})},
		{MethodName: "Status", Handler: unaryHandler("Status", func(s RedirectServiceServer, ctx context.Context, in *StatusRequest) (any, error) {
			return s.Status(ctx, in)
		})},
		{MethodName: "Refresh", Handler: unaryHandler("Refresh", func(s RedirectServiceServer, ctx context.Context, in *RefreshRequest) (any, error) {
			return s.Refresh(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unaryHandler builds the method handler grpc-go expects, decoding the
// request into a fresh Req and running the interceptor chain.
func unaryHandler[Req any](name string, call func(RedirectServiceServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(RedirectServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

// Client calls a running RedirectService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Check(ctx context.Context, in *CheckRequest) (*CheckResponse, error) {
	out := new(CheckResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Check"), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Dismiss(ctx context.Context, in *DomainRequest) (*DismissedResponse, error) {
	out := new(DismissedResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Dismiss"), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Allow(ctx context.Context, in *DomainRequest) (*DismissedResponse, error) {
	out := new(DismissedResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Allow"), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, in *StatusRequest) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Status"), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Refresh(ctx context.Context, in *RefreshRequest) (*RefreshResponse, error) {
	out := new(RefreshResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Refresh"), in, out); err != nil {
		return nil, err
	}
	return out, nil
}
