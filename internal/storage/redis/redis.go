// Package redis keeps refresh tokens in Redis. Each token is a hash keyed by
// its owner and digest and expiring with the token itself; a per-user set
// indexes the digests so every session of a user can be revoked at once.
//
// All keys of one user carry the user id as a {hash tag}, so they live in one
// Redis Cluster slot and every script touches a single slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "auth:"

// store writes the token hash, indexes it under its owner and stretches the
// index expiry so it never outlives its last member by much.
const storeFragment = `
redis.call('HSET', KEYS[3], 'user_id', ARGV[1], 'expires_at', ARGV[4], 'created_at', ARGV[5])
redis.call('PEXPIREAT', KEYS[3], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[3])
local ttl = redis.call('PTTL', KEYS[2])
if ttl < tonumber(ARGV[4]) - tonumber(ARGV[6]) then
	redis.call('PEXPIREAT', KEYS[2], ARGV[4])
end
`

var (
	// KEYS: user set, user set, token. ARGV: user id, _, hash, expires_at ms, created_at ms, now ms.
	saveScript = redis.NewScript(storeFragment + `return 1`)

	// KEYS: token, user set. ARGV: user id, hash.
	deleteScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if owner ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

	// KEYS: user set. ARGV: token key prefix of the user. The token keys are
	// derived inside the script; they share the slot of KEYS[1] through the
	// user hash tag.
	deleteAllScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, hash in ipairs(members) do
	n = n + redis.call('DEL', ARGV[1] .. hash)
end
redis.call('DEL', KEYS[1])
return n
`)

	// KEYS: old token, user set, new token. ARGV: user id, old hash, new hash,
	// expires_at ms, created_at ms, now ms.
	rotateScript = redis.NewScript(`
local old = redis.call('HMGET', KEYS[1], 'user_id', 'expires_at')
if old[1] ~= ARGV[1] or tonumber(old[2]) < tonumber(ARGV[6]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
` + storeFragment + `return 1`)
)

type Storage struct {
	client *redis.Client
	prefix string
}

// New connects to the Redis server at addr.
func New(ctx context.Context, addr, password string, db int, prefix string) (*Storage, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Storage{client: client, prefix: prefix}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) tokenPrefix(userID string) string {
	return s.prefix + "refresh:{" + userID + "}:"
}

func (s *Storage) tokenKey(userID, hash string) string {
	return s.tokenPrefix(userID) + hash
}

func (s *Storage) userKey(userID string) string {
	return s.prefix + "user:{" + userID + "}:refresh"
}

// SaveRefreshToken stores a new refresh token hash. A token that has already
// expired is not written at all.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.redis.SaveRefreshToken"

	now := time.Now()
	if !token.ExpiresAt.After(now) {
		return nil
	}

	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	keys := []string{s.userKey(token.UserID), s.userKey(token.UserID), s.tokenKey(token.UserID, token.TokenHash)}
	args := []any{token.UserID, "", token.TokenHash, token.ExpiresAt.UnixMilli(), createdAt.UnixMilli(), now.UnixMilli()}

	if err := saveScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken returns the token matching both hash and owner while it is
// still valid.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error) {
	const op = "storage.redis.RefreshToken"

	fields, err := s.client.HGetAll(ctx, s.tokenKey(userID, tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 || fields["user_id"] != userID {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("%s: expires_at: %w", op, err)
	}
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("%s: created_at: %w", op, err)
	}

	token := &models.RefreshToken{
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}

	if token.Expired(time.Now()) {
		_ = s.DeleteRefreshToken(ctx, tokenHash, userID)
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return token, nil
}

// DeleteRefreshToken revokes one token. Deleting a missing token is not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error {
	const op = "storage.redis.DeleteRefreshToken"

	keys := []string{s.tokenKey(userID, tokenHash), s.userKey(userID)}
	if err := deleteScript.Run(ctx, s.client, keys, userID, tokenHash).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	const op = "storage.redis.DeleteUserRefreshTokens"

	n, err := deleteAllScript.Run(ctx, s.client, []string{s.userKey(userID)}, s.tokenPrefix(userID)).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

// RotateRefreshToken consumes the old token and stores next inside one
// script, so concurrent callers presenting the same old token cannot both win.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error {
	const op = "storage.redis.RotateRefreshToken"

	now := time.Now()
	createdAt := next.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	keys := []string{s.tokenKey(userID, oldHash), s.userKey(userID), s.tokenKey(userID, next.TokenHash)}
	args := []any{userID, oldHash, next.TokenHash, next.ExpiresAt.UnixMilli(), createdAt.UnixMilli(), now.UnixMilli()}

	n, err := rotateScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing field")
	}

	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(ms).UTC(), nil
}
