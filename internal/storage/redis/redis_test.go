package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"
	"authsvc/internal/storage/storagetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := New(context.Background(), mr.Addr(), "", 0, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestStorage_RefreshTokens(t *testing.T) {
	storagetest.RefreshTokens(t, func(t *testing.T) storagetest.RefreshTokenStore {
		s, _ := newStorage(t)
		return s
	})
}

func TestStorage_KeysExpireWithToken(t *testing.T) {
	ctx := context.Background()
	s, mr := newStorage(t)

	userID := uuid.NewString()
	token := models.RefreshToken{
		TokenHash: uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.SaveRefreshToken(ctx, token))

	assert.True(t, mr.Exists(s.tokenKey(userID, token.TokenHash)))
	assert.Positive(t, mr.TTL(s.tokenKey(userID, token.TokenHash)))
	assert.Positive(t, mr.TTL(s.userKey(userID)))

	mr.FastForward(2 * time.Minute)

	assert.False(t, mr.Exists(s.tokenKey(userID, token.TokenHash)))
	_, err := s.RefreshToken(ctx, token.TokenHash, userID)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStorage_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), mr.Addr(), "", 0, "grocy:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	token := models.RefreshToken{TokenHash: "abc", UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.SaveRefreshToken(context.Background(), token))

	assert.True(t, mr.Exists("grocy:refresh:{u-1}:abc"))
	assert.True(t, mr.Exists("grocy:user:{u-1}:refresh"))
}

func TestStorage_UserKeysShareSlot(t *testing.T) {
	s, _ := newStorage(t)

	userID := uuid.NewString()
	keys := []string{
		s.userKey(userID),
		s.tokenKey(userID, "old"),
		s.tokenKey(userID, "new"),
		s.tokenPrefix(userID) + "derived",
	}

	for _, key := range keys {
		assert.Equal(t, userID, hashTag(key), key)
	}
}

// hashTag returns the part of key Redis Cluster hashes to pick a slot.
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(ctx, "127.0.0.1:1", "", 0, "")
	assert.Error(t, err)
}
