package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, _ any) {
	m.services = append(m.services, desc.ServiceName)
}

type fakeValidator struct {
	tokens map[string]*token.Principal
	err    error

	mu     sync.Mutex
	client audit.Client
}

func (f *fakeValidator) lastClient() audit.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *fakeValidator) Validate(ctx context.Context, accessToken string) (*token.Principal, error) {
	f.mu.Lock()
	f.client = audit.ClientFrom(ctx)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.tokens[accessToken]
	if !ok {
		return nil, autherr.ErrMalformedToken
	}
	return p, nil
}

func TestRegisterServices(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{}, nil)
	if len(reg.services) != 1 || reg.services[0] != IntrospectionServiceName {
		t.Errorf("services = %v", reg.services)
	}
}

func dial(t *testing.T, v Validator) (*grpc.ClientConn, func(string, healthpb.HealthCheckResponse_ServingStatus)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s, hs := NewGRPCServer(Deps{Validator: v})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, hs.SetServingStatus
}

func validate(ctx context.Context, conn *grpc.ClientConn, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, ValidateFullMethod, in, out)
	return out, err
}

func TestIntrospection_Validate(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	v := &fakeValidator{tokens: map[string]*token.Principal{
		"good": {
			IdentityID: "id-1", SessionID: "s-1", TokenID: "t-1", Origin: domain.OriginLocal,
			Login: "alice@example.com", DisplayName: "Alice", Roles: []string{"user", "admin"}, ExpiresAt: exp,
		},
	}}
	conn, _ := dial(t, v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := validate(ctx, conn, map[string]any{"token": "good"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m := out.AsMap()
	if m["active"] != true || m["identity_id"] != "id-1" || m["session_id"] != "s-1" || m["origin"] != "local" {
		t.Errorf("response = %v", m)
	}
	if m["expires_at"] != float64(exp.Unix()) {
		t.Errorf("expires_at = %v", m["expires_at"])
	}
	if roles, _ := m["roles"].([]any); len(roles) != 2 || roles[1] != "admin" {
		t.Errorf("roles = %v", m["roles"])
	}

	mdCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer good", "user-agent", "resource-svc")
	if _, err := validate(mdCtx, conn, map[string]any{}); err != nil {
		t.Fatalf("Validate via metadata: %v", err)
	}
	if c := v.lastClient(); c.IP == "unknown" || c.UserAgent == "" {
		t.Errorf("client not attached: %+v", c)
	}

	if _, err := validate(ctx, conn, map[string]any{}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing token: code = %v", status.Code(err))
	}
	_, err = validate(ctx, conn, map[string]any{"token": "forged"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("forged token: code = %v", status.Code(err))
	}
	if status.Convert(err).Message() != "malformed_token" {
		t.Errorf("message = %q", status.Convert(err).Message())
	}
}

func TestIntrospection_StoreOutage(t *testing.T) {
	v := &fakeValidator{err: autherr.Unavailable("inspect session", context.DeadlineExceeded)}
	conn, _ := dial(t, v)
	_, err := validate(context.Background(), conn, map[string]any{"token": "good"})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", status.Code(err))
	}
}

func TestIntrospection_NotConfigured(t *testing.T) {
	conn, _ := dial(t, nil)
	_, err := validate(context.Background(), conn, map[string]any{"token": "x"})
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", status.Code(err))
	}
}

func TestHealthService(t *testing.T) {
	conn, set := dial(t, &fakeValidator{})
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: IntrospectionServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %v", resp.Status)
	}
	set(IntrospectionServiceName, healthpb.HealthCheckResponse_SERVING)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: IntrospectionServiceName})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, %v", resp.GetStatus(), err)
	}
}
