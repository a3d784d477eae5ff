package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
)

// SessionRegistry is the shared TTL-backed store for sessions, refresh-token
// family pointers, authorization codes and MFA challenges. Every entry
// expires on its own so abandoned records clean up even if the issuing
// process crashes.
type SessionRegistry interface {
	CreateSession(ctx context.Context, userID uint, meta SessionMetadata, ttl time.Duration) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	BindRefreshToken(ctx context.Context, sessionID, tokenHash string) error
	RotateRefreshToken(ctx context.Context, sessionID, presentedHash, newHash string, ttl time.Duration) (RotateResult, error)
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
	ListSessionsForUser(ctx context.Context, userID uint) ([]domain.Session, error)
	RevokeSession(ctx context.Context, sessionID, reason string) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeAllForUser(ctx context.Context, userID uint, reason string) (int, error)

	PutAuthorizationCode(ctx context.Context, code string, data *domain.AuthorizationCode, ttl time.Duration) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*domain.AuthorizationCode, error)

	CreateMFAChallenge(ctx context.Context, challenge *domain.MFAChallenge, ttl time.Duration) (string, error)
	GetMFAChallenge(ctx context.Context, challengeID string) (*domain.MFAChallenge, error)
	FailMFAAttempt(ctx context.Context, challengeID string, maxAttempts int) (invalidated bool, err error)
	CompleteMFAChallenge(ctx context.Context, challengeID string) error

	PutVerificationToken(ctx context.Context, token string, userID uint, ttl time.Duration) error
	ConsumeVerificationToken(ctx context.Context, token string) (uint, error)

	Hit(ctx context.Context, key string, window time.Duration) (count int64, retryAfter time.Duration, err error)

	Ping(ctx context.Context) error
}

type SessionMetadata struct {
	UserAgent string
	IP        string
}

type RotateResult int

const (
	RotateOK RotateResult = iota
	RotateNotFound
	RotateRevoked
	RotateReuseDetected
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrCodeNotFound      = errors.New("authorization code not found")
	ErrTokenNotFound     = errors.New("verification token not found")
)

type RedisSessionRegistry struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionRegistry(client redis.UniversalClient, prefix string) *RedisSessionRegistry {
	if prefix == "" {
		prefix = "auth"
	}
	return &RedisSessionRegistry{client: client, prefix: prefix}
}

func (r *RedisSessionRegistry) sessionKey(sid string) string { return r.prefix + ":sess:" + sid }
func (r *RedisSessionRegistry) userKey(uid uint) string {
	return fmt.Sprintf("%s:usersess:%d", r.prefix, uid)
}
func (r *RedisSessionRegistry) familyKey(fid string) string { return r.prefix + ":fam:" + fid }
func (r *RedisSessionRegistry) codeKey(code string) string  { return r.prefix + ":authcode:" + code }
func (r *RedisSessionRegistry) mfaKey(id string) string     { return r.prefix + ":mfa:" + id }
func (r *RedisSessionRegistry) verifyKey(tok string) string { return r.prefix + ":verify:" + tok }

// rotateScript is the single-key compare-and-swap at the heart of refresh
// rotation. Redis executes scripts serially per server, so concurrent
// rotation attempts on one family observe exactly one winner; the loser sees
// a stale hash and trips reuse detection, which revokes the session in the
// same atomic step.
var rotateScript = redis.NewScript(`
local key = KEYS[1]
local presented = ARGV[1]
local new_hash = ARGV[2]
local now = ARGV[3]
local new_expiry = ARGV[4]
local ttl = tonumber(ARGV[5])

local data = redis.call("GET", key)
if not data then
  return {"not_found", "", ""}
end
local sess = cjson.decode(data)
if sess.revoked_at then
  return {"revoked", tostring(sess.user_id), sess.family_id}
end
if sess.current_token_hash ~= presented then
  sess.revoked_at = now
  sess.revoked_reason = "reuse_detected"
  local left = redis.call("TTL", key)
  if left > 0 then
    redis.call("SET", key, cjson.encode(sess), "EX", left)
  else
    redis.call("SET", key, cjson.encode(sess))
  end
  return {"reuse", tostring(sess.user_id), sess.family_id}
end
sess.current_token_hash = new_hash
sess.last_seen_at = now
sess.expires_at = new_expiry
redis.call("SET", key, cjson.encode(sess), "EX", ttl)
return {"ok", tostring(sess.user_id), sess.family_id}
`)

var revokeScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local reason = ARGV[2]
local data = redis.call("GET", key)
if not data then
  return 0
end
local sess = cjson.decode(data)
if sess.revoked_at then
  return 0
end
sess.revoked_at = now
sess.revoked_reason = reason
local left = redis.call("TTL", key)
if left > 0 then
  redis.call("SET", key, cjson.encode(sess), "EX", left)
else
  redis.call("SET", key, cjson.encode(sess))
end
return 1
`)

var mfaFailScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local data = redis.call("GET", key)
if not data then
  return {-1, 1}
end
local rec = cjson.decode(data)
rec.attempts = rec.attempts + 1
if rec.attempts >= max then
  redis.call("DEL", key)
  return {rec.attempts, 1}
end
local left = redis.call("TTL", key)
if left > 0 then
  redis.call("SET", key, cjson.encode(rec), "EX", left)
else
  redis.call("DEL", key)
  return {rec.attempts, 1}
end
return {rec.attempts, 0}
`)

var hitScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local count = redis.call("INCR", key)
if count == 1 then
  redis.call("EXPIRE", key, window)
end
local left = redis.call("TTL", key)
return {count, left}
`)

func (r *RedisSessionRegistry) CreateSession(ctx context.Context, userID uint, meta SessionMetadata, ttl time.Duration) (*domain.Session, error) {
	now := time.Now().UTC()
	s := &domain.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		FamilyID:   uuid.NewString(),
		UserAgent:  meta.UserAgent,
		IP:         meta.IP,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), payload, ttl)
	pipe.Set(ctx, r.familyKey(s.FamilyID), s.ID, ttl)
	pipe.SAdd(ctx, r.userKey(userID), s.ID)
	pipe.Expire(ctx, r.userKey(userID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (r *RedisSessionRegistry) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionRegistry) BindRefreshToken(ctx context.Context, sessionID, tokenHash string) error {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.CurrentTokenHash = tokenHash
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	return r.client.Set(ctx, r.sessionKey(sessionID), payload, ttl).Err()
}

func (r *RedisSessionRegistry) RotateRefreshToken(ctx context.Context, sessionID, presentedHash, newHash string, ttl time.Duration) (RotateResult, error) {
	now := time.Now().UTC()
	res, err := rotateScript.Run(ctx, r.client,
		[]string{r.sessionKey(sessionID)},
		presentedHash,
		newHash,
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
		int(ttl.Seconds()),
	).Slice()
	if err != nil {
		return RotateNotFound, fmt.Errorf("rotate session: %w", err)
	}
	status, _ := res[0].(string)
	switch status {
	case "ok":
		pipe := r.client.TxPipeline()
		pipe.Expire(ctx, r.sessionKey(sessionID), ttl)
		if fid, ok := res[2].(string); ok && fid != "" {
			pipe.Expire(ctx, r.familyKey(fid), ttl)
		}
		_, _ = pipe.Exec(ctx)
		return RotateOK, nil
	case "not_found":
		return RotateNotFound, nil
	case "revoked":
		return RotateRevoked, nil
	case "reuse":
		return RotateReuseDetected, nil
	default:
		return RotateNotFound, fmt.Errorf("rotate session: unexpected status %q", status)
	}
}

func (r *RedisSessionRegistry) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return !s.Revoked() && s.ExpiresAt.After(time.Now()), nil
}

func (r *RedisSessionRegistry) ListSessionsForUser(ctx context.Context, userID uint) ([]domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(ids))
	var stale []any
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.userKey(userID), stale...).Err()
	}
	return sessions, nil
}

func (r *RedisSessionRegistry) RevokeSession(ctx context.Context, sessionID, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return revokeScript.Run(ctx, r.client, []string{r.sessionKey(sessionID)}, now, reason).Err()
}

func (r *RedisSessionRegistry) RevokeFamily(ctx context.Context, familyID, reason string) error {
	sid, err := r.client.Get(ctx, r.familyKey(familyID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return r.RevokeSession(ctx, sid, reason)
}

func (r *RedisSessionRegistry) RevokeAllForUser(ctx context.Context, userID uint, reason string) (int, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	revoked := 0
	for _, id := range ids {
		if err := r.RevokeSession(ctx, id, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (r *RedisSessionRegistry) PutAuthorizationCode(ctx context.Context, code string, data *domain.AuthorizationCode, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.codeKey(code), payload, ttl).Err()
}

// ConsumeAuthorizationCode implements get-and-delete; a code can be exchanged
// exactly once regardless of concurrent attempts.
func (r *RedisSessionRegistry) ConsumeAuthorizationCode(ctx context.Context, code string) (*domain.AuthorizationCode, error) {
	raw, err := r.client.GetDel(ctx, r.codeKey(code)).Bytes()
	if err == redis.Nil {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	var data domain.AuthorizationCode
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode authorization code: %w", err)
	}
	return &data, nil
}

func (r *RedisSessionRegistry) CreateMFAChallenge(ctx context.Context, challenge *domain.MFAChallenge, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(challenge)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, r.mfaKey(id), payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("create mfa challenge: %w", err)
	}
	return id, nil
}

func (r *RedisSessionRegistry) GetMFAChallenge(ctx context.Context, challengeID string) (*domain.MFAChallenge, error) {
	raw, err := r.client.Get(ctx, r.mfaKey(challengeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	var c domain.MFAChallenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode mfa challenge: %w", err)
	}
	return &c, nil
}

// FailMFAAttempt atomically bumps the attempt counter and deletes the
// challenge once the cap is reached.
func (r *RedisSessionRegistry) FailMFAAttempt(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	res, err := mfaFailScript.Run(ctx, r.client, []string{r.mfaKey(challengeID)}, maxAttempts).Slice()
	if err != nil {
		return false, fmt.Errorf("record mfa failure: %w", err)
	}
	attempts, _ := res[0].(int64)
	invalidated, _ := res[1].(int64)
	if attempts < 0 {
		return true, ErrChallengeNotFound
	}
	return invalidated == 1, nil
}

func (r *RedisSessionRegistry) CompleteMFAChallenge(ctx context.Context, challengeID string) error {
	return r.client.Del(ctx, r.mfaKey(challengeID)).Err()
}

func (r *RedisSessionRegistry) PutVerificationToken(ctx context.Context, token string, userID uint, ttl time.Duration) error {
	return r.client.Set(ctx, r.verifyKey(token), userID, ttl).Err()
}

func (r *RedisSessionRegistry) ConsumeVerificationToken(ctx context.Context, token string) (uint, error) {
	raw, err := r.client.GetDel(ctx, r.verifyKey(token)).Uint64()
	if err == redis.Nil {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint(raw), nil
}

// Hit implements a fixed-window counter shared across instances; callers map
// the count against their limit and use retryAfter for the 429 hint.
func (r *RedisSessionRegistry) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := hitScript.Run(ctx, r.client, []string{r.prefix + ":rl:" + key}, int(window.Seconds())).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit hit: %w", err)
	}
	count, _ := res[0].(int64)
	left, _ := res[1].(int64)
	if left < 0 {
		left = int64(window.Seconds())
	}
	return count, time.Duration(left) * time.Second, nil
}

func (r *RedisSessionRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
