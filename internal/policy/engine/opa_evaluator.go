// Package engine authorizes administrative session operations with OPA Rego.
package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const revokeQuery = "data.authcore.session.allow_revoke"

// DefaultRegoPolicy lets owners revoke their own sessions and admins revoke any.
const DefaultRegoPolicy = `package authcore.session

default allow_revoke := false

allow_revoke if {
	input.actor.id != ""
	input.actor.id == input.session.owner_id
}

allow_revoke if {
	"admin" in input.actor.roles
}
`

// OPAEvaluator evaluates the session policy with a query prepared once at startup.
type OPAEvaluator struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

var _ Evaluator = (*OPAEvaluator)(nil)

// NewOPAEvaluator compiles source, or DefaultRegoPolicy when source is empty.
func NewOPAEvaluator(ctx context.Context, source string, logger *zap.Logger) (*OPAEvaluator, error) {
	if source == "" {
		source = DefaultRegoPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pq, err := rego.New(
		rego.Query(revokeQuery),
		rego.Module("session.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile session policy: %w", err)
	}
	return &OPAEvaluator{query: pq, logger: logger.Named("policy")}, nil
}

// LoadOPAEvaluator reads the policy from path. An empty path uses the default policy.
func LoadOPAEvaluator(ctx context.Context, path string, logger *zap.Logger) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "", logger)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b), logger)
}

func (e *OPAEvaluator) AllowRevoke(ctx context.Context, in RevokeInput) (bool, error) {
	roles := make([]any, 0, len(in.ActorRoles))
	for _, r := range in.ActorRoles {
		roles = append(roles, r)
	}
	input := map[string]any{
		"actor": map[string]any{
			"id":         in.ActorID,
			"session_id": in.ActorSessionID,
			"roles":      roles,
		},
		"session": map[string]any{
			"id":       in.SessionID,
			"owner_id": in.SessionOwnerID,
			"origin":   in.SessionOrigin,
		},
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Error("session policy evaluation failed", zap.Error(err))
		return false, fmt.Errorf("evaluate session policy: %w", err)
	}
	return rs.Allowed(), nil
}

// HealthCheck evaluates the prepared policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"actor":   map[string]any{"id": "", "roles": []any{}},
		"session": map[string]any{"owner_id": ""},
	}))
	if err != nil {
		return fmt.Errorf("eval session policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}
