package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

const bearerPrefix = "bearer "

// BearerToken returns the Bearer token from incoming metadata, or "" if missing or malformed.
func BearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
