package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/server/interceptors"
)

const (
	IntrospectionServiceName = "authcore.v1.Introspection"
	ValidateFullMethod       = "/" + IntrospectionServiceName + "/Validate"
)

// IntrospectionServer answers "is this access token valid, and whose is it".
// Request and response are google.protobuf.Struct so resource services need no
// generated stubs: the request carries {"token": "..."} or the token arrives as
// Bearer metadata.
type IntrospectionServer interface {
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// IntrospectionServiceDesc describes authcore.v1.Introspection.
var IntrospectionServiceDesc = grpc.ServiceDesc{
	ServiceName: IntrospectionServiceName,
	HandlerType: (*IntrospectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: validateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authcore/v1/introspection.proto",
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type introspectionServer struct {
	validator Validator
}

func (s *introspectionServer) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.validator == nil {
		return nil, status.Error(codes.Unimplemented, "introspection is not configured")
	}
	tok := req.GetFields()["token"].GetStringValue()
	if tok == "" {
		tok = interceptors.BearerToken(ctx)
	}
	if tok == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	p, err := s.validator.Validate(ctx, tok)
	if err != nil {
		return nil, statusFromError(err)
	}
	roles := make([]any, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = r
	}
	out, err := structpb.NewStruct(map[string]any{
		"active":       true,
		"identity_id":  p.IdentityID,
		"session_id":   p.SessionID,
		"token_id":     p.TokenID,
		"origin":       string(p.Origin),
		"email":        p.Login,
		"display_name": p.DisplayName,
		"roles":        roles,
		"expires_at":   p.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode principal")
	}
	return out, nil
}

// statusFromError keeps the failure kind in the message for resource services
// but does not distinguish auth failures by code.
func statusFromError(err error) error {
	switch {
	case autherr.Retryable(err):
		return status.Error(codes.Unavailable, "service unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case autherr.IsAuthFailure(err):
		return status.Error(codes.Unauthenticated, autherr.KindOf(err).String())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
