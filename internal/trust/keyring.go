// Package trust resolves the federated identity provider's signing keys and
// verifies assertions against them.
//
// Keys come from a KeySource (remote JWKS, local JWKS file, or a static set).
// A KeyRing sits in front of the source and keeps keys that vanished from it
// usable for a retention window, so assertions signed just before a rotation
// still verify until they expire.
package trust

import (
	"context"
	"crypto"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
)

// ErrUnknownKey is returned when no current or retained key has the requested kid.
var ErrUnknownKey = errors.New("trust: signing key not found")

// KeySource yields the provider's current public keys indexed by kid.
type KeySource interface {
	Keys(ctx context.Context) (map[string]crypto.PublicKey, error)
	Name() string
}

type retiredKey struct {
	key   crypto.PublicKey
	until time.Time
}

// KeyRing looks keys up in a source and remembers recently rotated-out keys.
type KeyRing struct {
	source    KeySource
	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	current map[string]crypto.PublicKey
	retired map[string]retiredKey
}

// NewKeyRing wraps source. timeout bounds every source call; zero means no bound.
func NewKeyRing(source KeySource, retention, timeout time.Duration, logger *zap.Logger) *KeyRing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyRing{
		source:    source,
		retention: retention,
		timeout:   timeout,
		logger:    logger.Named("keyring"),
		now:       time.Now,
		current:   map[string]crypto.PublicKey{},
		retired:   map[string]retiredKey{},
	}
}

// Lookup returns the key for kid. A source failure is InfrastructureUnavailable;
// a kid that is neither current nor retained is ErrUnknownKey.
func (r *KeyRing) Lookup(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	// The source may hit the network; reconcile under the lock only afterwards.
	keys, err := r.source.Keys(ctx)
	if err != nil {
		obs.KeySourceRefreshes.WithLabelValues(r.source.Name(), "error").Inc()
		r.logger.Error("key source failed", zap.String("source", r.source.Name()), zap.Error(err))
		return nil, autherr.Unavailable("fetch signing keys", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile(keys)
	if k, ok := r.current[kid]; ok {
		return k, nil
	}
	if rk, ok := r.retired[kid]; ok {
		return rk.key, nil
	}
	return nil, ErrUnknownKey
}

// reconcile moves keys missing from the fresh set into retirement and drops
// retired keys past their window. Caller holds mu.
func (r *KeyRing) reconcile(keys map[string]crypto.PublicKey) {
	now := r.now()
	for kid, k := range r.current {
		if _, still := keys[kid]; !still {
			r.retired[kid] = retiredKey{key: k, until: now.Add(r.retention)}
			r.logger.Info("signing key rotated out", zap.String("kid", kid), zap.Duration("retention", r.retention))
		}
	}
	for kid := range keys {
		delete(r.retired, kid)
	}
	for kid, rk := range r.retired {
		if !now.Before(rk.until) {
			delete(r.retired, kid)
		}
	}
	r.current = keys
}
