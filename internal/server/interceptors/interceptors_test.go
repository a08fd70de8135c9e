package interceptors

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
)

var info = &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"no metadata", nil, ""},
		{"no header", metadata.Pairs("x-other", "v"), ""},
		{"bearer", metadata.Pairs("authorization", "Bearer abc.def"), "abc.def"},
		{"lowercase scheme", metadata.Pairs("authorization", "bearer  abc "), "abc"},
		{"basic scheme", metadata.Pairs("authorization", "Basic dXNlcg=="), ""},
		{"too short", metadata.Pairs("authorization", "Bear"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			if got := BearerToken(ctx); got != tt.want {
				t.Errorf("BearerToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	withPeer := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5555}})
	forwarded := metadata.NewIncomingContext(withPeer, metadata.Pairs("x-forwarded-for", "203.0.113.1, 10.0.0.1"))
	realIP := metadata.NewIncomingContext(withPeer, metadata.Pairs("x-real-ip", "203.0.113.2"))

	if got := ClientIP(context.Background(), true); got != "unknown" {
		t.Errorf("no peer = %q", got)
	}
	if got := ClientIP(withPeer, false); got != "10.0.0.9" {
		t.Errorf("peer = %q", got)
	}
	if got := ClientIP(forwarded, true); got != "203.0.113.1" {
		t.Errorf("x-forwarded-for = %q", got)
	}
	if got := ClientIP(realIP, true); got != "203.0.113.2" {
		t.Errorf("x-real-ip = %q", got)
	}
	if got := ClientIP(forwarded, false); got != "10.0.0.9" {
		t.Errorf("untrusted forwarding header was honored: %q", got)
	}
}

func TestClientUnary_SetsAuditClient(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("user-agent", "grpc-go/1.78", "x-real-ip", "198.51.100.4"))
	var got audit.Client
	_, err := ClientUnary(true)(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		got = audit.ClientFrom(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.IP != "198.51.100.4" || got.UserAgent != "grpc-go/1.78" {
		t.Errorf("client = %+v", got)
	}
}

func TestLoggingUnary(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	interceptor := LoggingUnary(zap.New(core), map[string]bool{"/grpc.health.v1.Health/Check": true})

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "store down")
	})
	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, any) (any, error) { return nil, nil })

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel || entries[0].ContextMap()["code"] != "Unavailable" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestRecoveryUnary(t *testing.T) {
	_, err := RecoveryUnary(zap.NewNop())(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}
}
