package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/claimmap"
	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
	"github.com/cgb37/quart-mysql-scaffold/internal/policy/engine"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	sessiondomain "github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

var (
	// ErrNotFound is returned by RevokeSession for an unknown session.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the revocation policy denies the caller.
	ErrForbidden = errors.New("forbidden")
)

// Deps are the collaborators of a Facade. Hasher is required in local mode,
// Verifier in federated mode. Claims defaults to claimmap.DefaultSpec, Policy to
// owner-only revocation, Audit to a no-op.
type Deps struct {
	Identities identityrepo.Repository
	Tokens     *token.Manager
	Hasher     *security.Hasher
	Verifier   AssertionVerifier
	Claims     *claimmap.Table
	Policy     engine.Evaluator
	Audit      audit.Recorder
	Logger     *zap.Logger
}

// Facade is the single entry point for authentication and session operations.
type Facade struct {
	config     Config
	strategy   Strategy
	local      *localStrategy
	identities identityrepo.Repository
	tokens     *token.Manager
	policy     engine.Evaluator
	audit      audit.Recorder
	logger     *zap.Logger
}

// NewFacade builds the facade with the strategy selected by cfg.Mode.
func NewFacade(cfg Config, deps Deps) (*Facade, error) {
	if deps.Identities == nil {
		return nil, errors.New("auth: identity repository is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("auth: token manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Policy == nil {
		deps.Policy = ownerOnly{}
	}
	if cfg.Password.MinLength == 0 {
		cfg.Password = DefaultPasswordPolicy()
	}
	if len(cfg.DefaultRoles) == 0 {
		cfg.DefaultRoles = []string{"user"}
	}
	logger := deps.Logger.Named("auth")

	f := &Facade{
		config:     cfg,
		identities: deps.Identities,
		tokens:     deps.Tokens,
		policy:     deps.Policy,
		audit:      deps.Audit,
		logger:     logger,
	}

	switch cfg.Mode {
	case config.AuthModeLocal:
		if deps.Hasher == nil {
			return nil, errors.New("auth: local mode requires a password hasher")
		}
		f.local = &localStrategy{
			identities:   deps.Identities,
			hasher:       deps.Hasher,
			policy:       cfg.Password,
			defaultRoles: identitydomain.NormalizeRoles(cfg.DefaultRoles),
			logger:       logger.Named("local"),
			now:          time.Now,
		}
		f.strategy = f.local
	case config.AuthModeFederated:
		if deps.Verifier == nil {
			return nil, errors.New("auth: federated mode requires an assertion verifier")
		}
		if cfg.Federated.Issuer == "" {
			return nil, errors.New("auth: federated mode requires an issuer")
		}
		claims := deps.Claims
		if claims == nil {
			var err error
			if claims, err = claimmap.New(claimmap.DefaultSpec()); err != nil {
				return nil, err
			}
		}
		f.strategy = &federatedStrategy{
			identities: deps.Identities,
			verifier:   deps.Verifier,
			claims:     claims,
			config:     cfg.Federated,
			logger:     logger.Named("federated"),
			now:        time.Now,
		}
	default:
		return nil, errors.New("auth: unknown mode " + cfg.Mode.String())
	}
	return f, nil
}

// Mode returns the configured strategy tag.
func (f *Facade) Mode() config.AuthMode { return f.config.Mode }

// Strategy returns the active strategy.
func (f *Facade) Strategy() Strategy { return f.strategy }

// Authenticate verifies creds with the active strategy and starts a session.
// Every authentication failure reaches the caller as an autherr sentinel that
// transports report uniformly; the specific kind is only logged and counted.
func (f *Facade) Authenticate(ctx context.Context, creds Credentials) (_ *token.Pair, err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	var pair *token.Pair
	defer func() {
		id, sid := principalIDs(pair)
		ev := audit.ForOutcome(audit.OpLogin, err).Event(id, sid, err)
		if err != nil && creds.Login != "" {
			ev.Metadata = map[string]any{"login": identitydomain.NormalizeLogin(creds.Login)}
		}
		f.finish(ctx, audit.OpLogin, ev, err)
	}()

	ident, err := f.strategy.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	pair, err = f.tokens.Issue(ctx, ident, f.strategy.Origin(), meta(ctx))
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Provision registers a new identity and starts its first session. Only the
// local strategy provisions explicitly.
func (f *Facade) Provision(ctx context.Context, p Provisioning) (_ *identitydomain.Identity, _ *token.Pair, err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	var pair *token.Pair
	defer func() {
		id, sid := principalIDs(pair)
		f.finish(ctx, audit.OpRegister, audit.ForOutcome(audit.OpRegister, err).Event(id, sid, err), err)
	}()

	ident, err := f.strategy.Provision(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	pair, err = f.tokens.Issue(ctx, ident, f.strategy.Origin(), meta(ctx))
	if err != nil {
		return nil, nil, err
	}
	return ident, pair, nil
}

// Refresh rotates a refresh token. A replay revokes the whole session and
// returns an error matching autherr.ErrTokenReplay.
func (f *Facade) Refresh(ctx context.Context, refreshToken string) (_ *token.Pair, err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	var pair *token.Pair
	defer func() {
		id, sid := principalIDs(pair)
		ev := audit.ForOutcome(audit.OpRefresh, err).Event(id, sid, err)
		var replay *token.ReplayError
		if errors.As(err, &replay) {
			ev.IdentityID, ev.SessionID = replay.IdentityID, replay.SessionID
		}
		f.finish(ctx, audit.OpRefresh, ev, err)
	}()

	pair, err = f.tokens.Refresh(ctx, refreshToken)
	return pair, err
}

// Logout revokes the access token and its session. It never contacts the
// identity provider and repeating it is not an error.
func (f *Facade) Logout(ctx context.Context, accessToken string) (err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	var p *token.Principal
	defer func() {
		ev := audit.ForOutcome(audit.OpLogout, err).Event("", "", err)
		if p != nil {
			ev.IdentityID, ev.SessionID = p.IdentityID, p.SessionID
		}
		f.finish(ctx, audit.OpLogout, ev, err)
	}()

	p, err = f.tokens.RevokeToken(ctx, accessToken)
	return err
}

// Validate resolves an access token to its principal with a single store read.
func (f *Facade) Validate(ctx context.Context, accessToken string) (*token.Principal, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	p, err := f.tokens.Validate(ctx, accessToken)
	obs.AuthOutcomes.WithLabelValues("validate", outcomeKind(err)).Inc()
	if err != nil {
		f.logFailure("validate", err)
		return nil, err
	}
	return p, nil
}

// ChangePassword replaces the caller's password and revokes every other session.
func (f *Facade) ChangePassword(ctx context.Context, p *token.Principal, current, next string) (err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	defer func() {
		f.finish(ctx, audit.OpPasswordChange, audit.ForOutcome(audit.OpPasswordChange, err).Event(p.IdentityID, p.SessionID, err), err)
	}()

	if f.local == nil {
		return autherr.ErrInvalidCredentials
	}
	if _, err = f.local.changePassword(ctx, p.IdentityID, current, next); err != nil {
		return err
	}
	n, err := f.tokens.RevokeAll(ctx, p.IdentityID, p.SessionID)
	if err != nil {
		return err
	}
	f.logger.Info("password changed", zap.String("identity_id", p.IdentityID), zap.Int64("revoked_sessions", n))
	return nil
}

// Deactivate soft-deletes the caller's identity and revokes all its sessions.
func (f *Facade) Deactivate(ctx context.Context, p *token.Principal) (err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	defer func() {
		f.finish(ctx, audit.OpDeactivate, audit.ForOutcome(audit.OpDeactivate, err).Event(p.IdentityID, p.SessionID, err), err)
	}()

	ident, err := f.identities.FindByID(ctx, p.IdentityID)
	if err != nil {
		return autherr.Unavailable("find identity", err)
	}
	if ident == nil {
		return autherr.ErrSessionRevoked
	}
	if ident.Active {
		ident.Active = false
		ident.UpdatedAt = time.Now().UTC()
		if err := f.identities.Update(ctx, ident); err != nil && !errors.Is(err, identityrepo.ErrNotFound) {
			return autherr.Unavailable("update identity", err)
		}
	}
	_, err = f.tokens.RevokeAll(ctx, p.IdentityID, "")
	return err
}

// RevokeSession revokes sessionID on behalf of actor when the policy allows it.
// A policy evaluation error denies.
func (f *Facade) RevokeSession(ctx context.Context, actor *token.Principal, sessionID string) (err error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	var owner string
	defer func() {
		ev := audit.ForOutcome(audit.OpSessionRevoke, err).Event(actor.IdentityID, sessionID, err)
		if owner != "" {
			ev.Metadata = map[string]any{"session_owner_id": owner}
		}
		f.finish(ctx, audit.OpSessionRevoke, ev, err)
	}()

	sess, err := f.tokens.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNotFound
	}
	owner = sess.IdentityID

	allowed, perr := f.policy.AllowRevoke(ctx, engine.RevokeInput{
		ActorID:        actor.IdentityID,
		ActorSessionID: actor.SessionID,
		ActorRoles:     actor.Roles,
		SessionID:      sess.ID,
		SessionOwnerID: sess.IdentityID,
		SessionOrigin:  string(sess.Origin),
	})
	if perr != nil {
		f.logger.Error("revocation policy failed; denying", zap.String("session_id", sessionID), zap.Error(perr))
		return ErrForbidden
	}
	if !allowed {
		return ErrForbidden
	}
	return f.tokens.Revoke(ctx, sess.ID)
}

// Sessions lists the caller's sessions, newest first.
func (f *Facade) Sessions(ctx context.Context, p *token.Principal) ([]*sessiondomain.Session, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	return f.tokens.Sessions(ctx, p.IdentityID)
}

// Ping checks the session store.
func (f *Facade) Ping(ctx context.Context) error {
	return f.tokens.Ping(ctx)
}

func (f *Facade) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.config.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.config.Timeout)
}

// finish counts, logs and audits one operation outcome. Failures other than
// login failures and replays are not audited.
func (f *Facade) finish(ctx context.Context, op string, ev audit.Event, err error) {
	obs.AuthOutcomes.WithLabelValues(op, outcomeKind(err)).Inc()
	if err != nil {
		f.logFailure(op, err)
		if op != audit.OpLogin && !errors.Is(err, autherr.ErrTokenReplay) {
			return
		}
	}
	f.audit.Record(ctx, ev)
}

func (f *Facade) logFailure(op string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.String("kind", outcomeKind(err)), zap.Error(err)}
	switch {
	case autherr.Retryable(err):
		f.logger.Error("auth operation unavailable", fields...)
	case errors.Is(err, autherr.ErrTokenReplay):
		f.logger.Warn("auth operation failed", fields...)
	default:
		f.logger.Info("auth operation failed", fields...)
	}
}

func outcomeKind(err error) string {
	if err == nil {
		return "ok"
	}
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return autherr.KindOf(err).String()
}

func meta(ctx context.Context) token.Meta {
	c := audit.ClientFrom(ctx)
	return token.Meta{IPAddress: c.IP, UserAgent: c.UserAgent}
}

func principalIDs(p *token.Pair) (identityID, sessionID string) {
	if p == nil {
		return "", ""
	}
	return p.Principal.IdentityID, p.Principal.SessionID
}

// ownerOnly lets an identity revoke only its own sessions.
type ownerOnly struct{}

func (ownerOnly) AllowRevoke(_ context.Context, in engine.RevokeInput) (bool, error) {
	return in.ActorID != "" && in.ActorID == in.SessionOwnerID, nil
}
