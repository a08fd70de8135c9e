package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
)

// ClientUnary attaches the caller's IP and user agent to the context so
// sessions and audit rows record them. Forwarding headers are honored only
// when trustProxy is set.
func ClientUnary(trustProxy bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		c := audit.Client{IP: ClientIP(ctx, trustProxy)}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ua := md.Get("user-agent"); len(ua) > 0 {
				c.UserAgent = ua[0]
			}
		}
		return handler(audit.WithClient(ctx, c), req)
	}
}

// ClientIP returns the client IP from metadata (x-forwarded-for, x-real-ip) when
// trustProxy is set, otherwise from the peer address, or "unknown".
func ClientIP(ctx context.Context, trustProxy bool) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok && trustProxy {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
