package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"
	"authsvc/internal/storage/storagetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	applied, err := s.Migrate()
	require.NoError(t, err)
	require.True(t, applied)

	return s
}

func TestStorage_RefreshTokens(t *testing.T) {
	storagetest.RefreshTokens(t, func(t *testing.T) storagetest.RefreshTokenStore {
		return newStorage(t)
	})
}

func TestStorage_FailedRotateKeepsOld(t *testing.T) {
	storagetest.FailedRotateKeepsOld(t, func(t *testing.T) storagetest.RefreshTokenStore {
		return newStorage(t)
	})
}

func TestStorage_Users(t *testing.T) {
	storagetest.Users(t, func(t *testing.T) storagetest.UserStore {
		return newStorage(t)
	})
}

func TestStorage_MigrateIsIdempotent(t *testing.T) {
	s := newStorage(t)

	applied, err := s.Migrate()
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStorage_MigrateDown(t *testing.T) {
	s := newStorage(t)

	require.NoError(t, s.MigrateDown())

	_, err := s.User(context.Background(), "nobody@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrUserNotFound)

	applied, err := s.Migrate()
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStorage_DeleteExpiredRefreshTokens(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	userID := uuid.NewString()
	now := time.Now()

	live := models.RefreshToken{TokenHash: "live", UserID: userID, ExpiresAt: now.Add(time.Hour)}
	stale := models.RefreshToken{TokenHash: "stale", UserID: userID, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.SaveRefreshToken(ctx, live))
	require.NoError(t, s.SaveRefreshToken(ctx, stale))

	n, err := s.DeleteExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.RefreshToken(ctx, "live", userID)
	assert.NoError(t, err)

	_, err = s.RefreshToken(ctx, "stale", userID)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_busy_timeout=5000&_txlock=immediate", dsn("a.db"))
	assert.Equal(t, "a.db?mode=rwc&_busy_timeout=5000&_txlock=immediate", dsn("a.db?mode=rwc"))
}
