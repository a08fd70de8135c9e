package trust

import (
	"context"
	"crypto"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// StaticSource serves a key set held in memory. Replace swaps it atomically.
type StaticSource struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

func NewStaticSource(set jwk.Set) (*StaticSource, error) {
	s := &StaticSource{}
	if err := s.Replace(set); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace installs a new key set.
func (s *StaticSource) Replace(set jwk.Set) error {
	keys, err := publicKeys(set)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Keys(context.Context) (map[string]crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]crypto.PublicKey, len(s.keys))
	for k, v := range s.keys {
		out[k] = v
	}
	return out, nil
}

func (s *StaticSource) Name() string { return "static" }

// publicKeys exports every key of set as a crypto.PublicKey indexed by kid.
// Private keys are reduced to their public half.
func publicKeys(set jwk.Set) (map[string]crypto.PublicKey, error) {
	out := make(map[string]crypto.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		pub, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("jwk public key: %w", err)
		}
		var raw any
		if err := jwk.Export(pub, &raw); err != nil {
			return nil, fmt.Errorf("jwk export: %w", err)
		}
		kid, _ := key.KeyID()
		out[kid] = raw
	}
	return out, nil
}
