// Package grpcserver exposes the edge's session and bot-token checks to
// internal services over gRPC, so they can reuse the same cache and secrets
// instead of calling the verification endpoint themselves.
//
// The service is small enough that its descriptor is written by hand; the
// messages are the well-known wrapper types.
package grpcserver

import (
	"context"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/gghorizon/edge-gateway/internal/clientip"
	"github.com/gghorizon/edge-gateway/internal/events"
	"github.com/gghorizon/edge-gateway/internal/session"
)

const (
	ServiceName            = "edge.v1.EdgeGate"
	resolveSessionMethod   = "/" + ServiceName + "/ResolveSession"
	validateBotTokenMethod = "/" + ServiceName + "/ValidateBotToken"
)

// SessionResolver is satisfied by *session.Cache.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) session.Result
}

// TokenValidator is satisfied by *botauth.Authenticator.
type TokenValidator interface {
	Valid(token string) bool
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	IsLimited(ctx context.Context, key string, privileged bool) bool
}

// EventEmitter is satisfied by *events.Dispatcher.
type EventEmitter interface {
	Emit(ev events.SecurityEvent) bool
}

// EdgeGateServer is the server API for the EdgeGate service.
type EdgeGateServer interface {
	ResolveSession(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	ValidateBotToken(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

type Options struct {
	Sessions SessionResolver
	Bots     TokenValidator

	// Callers are keyed by peer address. BotLimiter uses its general quota,
	// SessionLimiter its privileged one. A nil limiter disables that check.
	BotLimiter     RateLimiter
	SessionLimiter RateLimiter
	Events         EventEmitter
}

// Server implements EdgeGateServer.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// ResolveSession reports whether the session token belongs to an admin.
// Verification failures are a false answer, not an error.
func (s *Server) ResolveSession(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "session token is required")
	}
	ip := peerIP(ctx)
	if s.opts.SessionLimiter != nil && s.opts.SessionLimiter.IsLimited(ctx, ip, true) {
		s.emit(ctx, events.TypeRateLimit, resolveSessionMethod, ip)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	res := s.opts.Sessions.Resolve(ctx, req.GetValue())
	if !res.IsAdmin {
		log.Printf("[grpc] ResolveSession: not an admin session (authenticated=%v)", res.Authenticated)
	}
	return wrapperspb.Bool(res.IsAdmin), nil
}

// ValidateBotToken reports whether the token matches the configured bot secret.
// It shares the bot quota with the HTTP bot routes, so guesses are throttled
// the same way on both surfaces.
func (s *Server) ValidateBotToken(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "bot token is required")
	}
	ip := peerIP(ctx)
	if s.opts.BotLimiter != nil && s.opts.BotLimiter.IsLimited(ctx, ip, false) {
		s.emit(ctx, events.TypeRateLimit, validateBotTokenMethod, ip)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	valid := s.opts.Bots.Valid(req.GetValue())
	if !valid {
		s.emit(ctx, events.TypeInvalidBotToken, validateBotTokenMethod, ip)
	}
	return wrapperspb.Bool(valid), nil
}

func (s *Server) emit(ctx context.Context, t events.Type, method, ip string) {
	if s.opts.Events == nil {
		return
	}
	ev := events.SecurityEvent{Type: t, IP: ip, Path: method, Method: "GRPC"}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			ev.UserAgent = ua[0]
		}
	}
	s.opts.Events.Emit(ev)
}

// peerIP returns the caller's host, or the whole address when it has no port.
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return clientip.Unknown
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Register attaches srv to the gRPC server s.
func Register(s grpc.ServiceRegistrar, srv EdgeGateServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EdgeGateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveSession", Handler: resolveSessionHandler},
		{MethodName: "ValidateBotToken", Handler: validateBotTokenHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edge/v1/edge_gate.proto",
}

func resolveSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EdgeGateServer).ResolveSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveSessionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EdgeGateServer).ResolveSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func validateBotTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EdgeGateServer).ValidateBotToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateBotTokenMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EdgeGateServer).ValidateBotToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the EdgeGate service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) ResolveSession(ctx context.Context, token string, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, resolveSessionMethod, wrapperspb.String(token), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *Client) ValidateBotToken(ctx context.Context, token string, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, validateBotTokenMethod, wrapperspb.String(token), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}
