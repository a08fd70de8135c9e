package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

var _ Store = (*RedisStore)(nil)

// reviseScript applies the monotonic merge atomically.
// Returns 0 when the session is missing, 2 when this call revoked it, 1 otherwise.
const reviseScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local result = 1
local seen = tonumber(redis.call("HGET", KEYS[1], "last_seen_at") or "0")
if tonumber(ARGV[1]) > seen then
  redis.call("HSET", KEYS[1], "last_seen_at", ARGV[1])
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if tonumber(ARGV[2]) > exp then
  redis.call("HSET", KEYS[1], "expires_at", ARGV[2])
  redis.call("ZADD", KEYS[2], ARGV[2], ARGV[6])
end
if ARGV[3] == "1" and redis.call("HGET", KEYS[1], "revoked") ~= "1" then
  redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[4])
  result = 2
end
if ARGV[5] ~= "" then
  redis.call("HSET", KEYS[1], "refresh_jti", ARGV[5], "refresh_token_hash", ARGV[7])
end
return result
`

// revokeScript records a revocation and its sweep index entry together.
// KEYS: revocation key, revocation expiry index.
// ARGV: revoked-at ms, expires-at ms, key ttl ms, token id.
// Returns 1 when this call created the key.
const revokeScript = `
if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[4])
return 1
`

// rotateScript swaps the refresh binding if it still names ARGV[1], then burns
// the old token. KEYS: session, session expiry index, old token revocation key,
// revocation expiry index. ARGV: old jti, last seen ms, expires ms, new jti,
// new hash, session id, revoked-at ms, old token expires ms, revocation ttl ms.
// Returns 1 on swap, 0 when nothing was written.
const rotateScript = `
local cur = redis.call("HMGET", KEYS[1], "refresh_jti", "revoked")
if not cur[1] or cur[1] ~= ARGV[1] or cur[2] == "1" then
  return 0
end
local seen = tonumber(redis.call("HGET", KEYS[1], "last_seen_at") or "0")
if tonumber(ARGV[2]) > seen then
  redis.call("HSET", KEYS[1], "last_seen_at", ARGV[2])
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if tonumber(ARGV[3]) > exp then
  redis.call("HSET", KEYS[1], "expires_at", ARGV[3])
  redis.call("ZADD", KEYS[2], ARGV[3], ARGV[6])
end
redis.call("HSET", KEYS[1], "refresh_jti", ARGV[4], "refresh_token_hash", ARGV[5])
if redis.call("SET", KEYS[3], ARGV[7], "NX", "PX", ARGV[9]) then
  redis.call("ZADD", KEYS[4], ARGV[8], ARGV[1])
end
return 1
`

var (
	reviseLua = redis.NewScript(reviseScript)
	revokeLua = redis.NewScript(revokeScript)
	rotateLua = redis.NewScript(rotateScript)
)

// RedisStore keeps sessions as hashes and revocations as plain keys. Two sorted
// sets index expiry for the sweep; a set per identity indexes its sessions.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	grace     time.Duration
}

// NewRedisStore returns a session store on the given client. keyPrefix namespaces
// every key. Revocation keys expire on their own grace after the token does, so
// a missed sweep cannot leak them.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, grace time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, grace: grace}
}

// revocationTTL is how long the key for a token expiring at exp must live.
func (r *RedisStore) revocationTTL(exp time.Time) int64 {
	ttl := time.Until(exp) + r.grace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl.Milliseconds()
}

func (r *RedisStore) sessionKey(id string) string { return r.keyPrefix + "sess:" + id }
func (r *RedisStore) identityKey(id string) string { return r.keyPrefix + "ident:" + id }
func (r *RedisStore) revocationKey(id string) string { return r.keyPrefix + "rev:" + id }
func (r *RedisStore) sessionExpiryKey() string { return r.keyPrefix + "sess:expiry" }
func (r *RedisStore) revocationExpiryKey() string { return r.keyPrefix + "rev:expiry" }

// CreateSession writes the hash and its index entries in one transaction.
func (r *RedisStore) CreateSession(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	fields := map[string]any{
		"identity_id":        s.IdentityID,
		"origin":             string(s.Origin),
		"created_at":         s.CreatedAt.UnixMilli(),
		"last_seen_at":       s.LastSeenAt.UnixMilli(),
		"expires_at":         s.ExpiresAt.UnixMilli(),
		"revoked":            boolFlag(s.Revoked),
		"refresh_jti":        s.RefreshJTI,
		"refresh_token_hash": s.RefreshTokenHash,
		"ip_address":         s.IPAddress,
		"user_agent":         s.UserAgent,
	}
	if s.RevokedAt != nil {
		fields["revoked_at"] = s.RevokedAt.UnixMilli()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.sessionKey(s.ID), fields)
		p.ZAdd(ctx, r.sessionExpiryKey(), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
		p.SAdd(ctx, r.identityKey(s.IdentityID), s.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session insert: %w", err)
	}
	return r.GetSession(ctx, s.ID)
}

// GetSession returns the session for id, or nil if not found.
func (r *RedisStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session select: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return sessionFromHash(id, m), nil
}

// ReviseSession runs the merge script.
func (r *RedisStore) ReviseSession(ctx context.Context, s *domain.Session) error {
	res, err := r.revise(ctx, s)
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) revise(ctx context.Context, s *domain.Session) (int64, error) {
	revokedAt := time.Now()
	if s.RevokedAt != nil {
		revokedAt = *s.RevokedAt
	}
	res, err := reviseLua.Run(ctx, r.client,
		[]string{r.sessionKey(s.ID), r.sessionExpiryKey()},
		s.LastSeenAt.UnixMilli(), s.ExpiresAt.UnixMilli(), boolFlag(s.Revoked), revokedAt.UnixMilli(),
		s.RefreshJTI, s.ID, s.RefreshTokenHash,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("session revise: %w", err)
	}
	return res, nil
}

// InsertRevocationIfAbsent uses SET NX, so only one caller sees true.
func (r *RedisStore) InsertRevocationIfAbsent(ctx context.Context, rev domain.Revocation) (bool, error) {
	res, err := revokeLua.Run(ctx, r.client,
		[]string{r.revocationKey(rev.TokenID), r.revocationExpiryKey()},
		rev.RevokedAt.UnixMilli(), rev.ExpiresAt.UnixMilli(), r.revocationTTL(rev.ExpiresAt), rev.TokenID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("revocation insert: %w", err)
	}
	return res == 1, nil
}

// RotateRefresh runs the rotation script.
func (r *RedisStore) RotateRefresh(ctx context.Context, rot domain.Rotation) (bool, error) {
	res, err := rotateLua.Run(ctx, r.client,
		[]string{
			r.sessionKey(rot.SessionID), r.sessionExpiryKey(),
			r.revocationKey(rot.From.TokenID), r.revocationExpiryKey(),
		},
		rot.From.TokenID, rot.LastSeenAt.UnixMilli(), rot.ExpiresAt.UnixMilli(),
		rot.RefreshJTI, rot.RefreshTokenHash, rot.SessionID,
		rot.From.RevokedAt.UnixMilli(), rot.From.ExpiresAt.UnixMilli(), r.revocationTTL(rot.From.ExpiresAt),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("session rotate: %w", err)
	}
	return res == 1, nil
}

// Inspect pipelines the revocation check and the session read.
func (r *RedisStore) Inspect(ctx context.Context, sessionID, tokenID string) (Inspection, error) {
	var (
		exists *redis.IntCmd
		state  *redis.SliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, r.revocationKey(tokenID))
		state = p.HMGet(ctx, r.sessionKey(sessionID), "revoked", "expires_at")
		return nil
	})
	if err != nil {
		return Inspection{}, fmt.Errorf("session inspect: %w", err)
	}
	in := Inspection{TokenRevoked: exists.Val() > 0}
	vals := state.Val()
	if len(vals) == 2 && vals[1] != nil {
		in.SessionFound = true
		in.SessionRevoked = vals[0] == "1"
		in.SessionExpiresAt = millis(fmt.Sprint(vals[1]))
	}
	return in, nil
}

// SweepExpired removes expired sessions and revocations along with their index entries.
func (r *RedisStore) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var total int64

	ids, err := r.client.ZRangeByScore(ctx, r.sessionExpiryKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	for _, id := range ids {
		owner, err := r.client.HGet(ctx, r.sessionKey(id), "identity_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return total, fmt.Errorf("sweep sessions: %w", err)
		}
		var del *redis.IntCmd
		if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			del = p.Del(ctx, r.sessionKey(id))
			if owner != "" {
				p.SRem(ctx, r.identityKey(owner), id)
			}
			p.ZRem(ctx, r.sessionExpiryKey(), id)
			return nil
		}); err != nil {
			return total, fmt.Errorf("sweep sessions: %w", err)
		}
		total += del.Val()
	}

	jtis, err := r.client.ZRangeByScore(ctx, r.revocationExpiryKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return total, fmt.Errorf("sweep revocations: %w", err)
	}
	for _, jti := range jtis {
		var del *redis.IntCmd
		if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			del = p.Del(ctx, r.revocationKey(jti))
			p.ZRem(ctx, r.revocationExpiryKey(), jti)
			return nil
		}); err != nil {
			return total, fmt.Errorf("sweep revocations: %w", err)
		}
		total += del.Val()
	}
	return total, nil
}

// ListByIdentity returns the identity's sessions, newest first.
func (r *RedisStore) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.identityKey(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	var out []*domain.Session
	for i, cmd := range cmds {
		if m := cmd.Val(); len(m) > 0 {
			out = append(out, sessionFromHash(ids[i], m))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// RevokeAllByIdentity revokes the identity's live sessions except keepSessionID.
func (r *RedisStore) RevokeAllByIdentity(ctx context.Context, identityID, keepSessionID string, at time.Time) (int64, error) {
	ids, err := r.client.SMembers(ctx, r.identityKey(identityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session revoke all: %w", err)
	}
	var n int64
	for _, id := range ids {
		if id == keepSessionID {
			continue
		}
		res, err := r.revise(ctx, &domain.Session{ID: id, Revoked: true, RevokedAt: &at})
		if err != nil {
			return n, err
		}
		if res == 2 {
			n++
		}
	}
	return n, nil
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func sessionFromHash(id string, m map[string]string) *domain.Session {
	s := &domain.Session{
		ID:               id,
		IdentityID:       m["identity_id"],
		Origin:           domain.Origin(m["origin"]),
		CreatedAt:        millis(m["created_at"]),
		LastSeenAt:       millis(m["last_seen_at"]),
		ExpiresAt:        millis(m["expires_at"]),
		Revoked:          m["revoked"] == "1",
		RefreshJTI:       m["refresh_jti"],
		RefreshTokenHash: m["refresh_token_hash"],
		IPAddress:        m["ip_address"],
		UserAgent:        m["user_agent"],
	}
	if v, ok := m["revoked_at"]; ok && v != "" {
		t := millis(v)
		s.RevokedAt = &t
	}
	return s
}

func millis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
