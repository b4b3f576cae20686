// Package storagetest holds the behaviour every storage backend must share.
// Backend test files call RefreshTokens and Users with a constructor for a
// fresh, empty store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error)
	RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error
}

type UserStore interface {
	SaveUser(ctx context.Context, user models.User) (models.User, error)
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
	UpdatePassHash(ctx context.Context, userID string, passHash []byte) error
}

func newToken(userID string, ttl time.Duration) models.RefreshToken {
	now := time.Now()
	return models.RefreshToken{
		TokenHash: uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// RefreshTokens runs the refresh-token store contract against newStore.
func RefreshTokens(t *testing.T, newStore func(t *testing.T) RefreshTokenStore) {
	t.Run("save and find", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		token := newToken(userID, time.Hour)

		require.NoError(t, s.SaveRefreshToken(ctx, token))

		got, err := s.RefreshToken(ctx, token.TokenHash, userID)
		require.NoError(t, err)
		assert.Equal(t, token.TokenHash, got.TokenHash)
		assert.Equal(t, userID, got.UserID)
		assert.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Second)

		_, err = s.RefreshToken(ctx, token.TokenHash, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrTokenNotFound, "owner must match")

		_, err = s.RefreshToken(ctx, uuid.NewString(), userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("expired token is absent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		token := newToken(userID, -time.Minute)

		require.NoError(t, s.SaveRefreshToken(ctx, token))

		_, err := s.RefreshToken(ctx, token.TokenHash, userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)

		_, err = s.RefreshToken(ctx, token.TokenHash, userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("delete one is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		token := newToken(userID, time.Hour)
		sibling := newToken(userID, time.Hour)

		require.NoError(t, s.SaveRefreshToken(ctx, token))
		require.NoError(t, s.SaveRefreshToken(ctx, sibling))

		require.NoError(t, s.DeleteRefreshToken(ctx, token.TokenHash, userID))
		require.NoError(t, s.DeleteRefreshToken(ctx, token.TokenHash, userID))
		require.NoError(t, s.DeleteRefreshToken(ctx, uuid.NewString(), userID))

		_, err := s.RefreshToken(ctx, token.TokenHash, userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)

		_, err = s.RefreshToken(ctx, sibling.TokenHash, userID)
		assert.NoError(t, err, "other sessions survive")
	})

	t.Run("delete one ignores foreign owner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		token := newToken(userID, time.Hour)

		require.NoError(t, s.SaveRefreshToken(ctx, token))
		require.NoError(t, s.DeleteRefreshToken(ctx, token.TokenHash, uuid.NewString()))

		_, err := s.RefreshToken(ctx, token.TokenHash, userID)
		assert.NoError(t, err)
	})

	t.Run("delete all for user", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		otherID := uuid.NewString()

		first := newToken(userID, time.Hour)
		second := newToken(userID, time.Hour)
		other := newToken(otherID, time.Hour)
		for _, tok := range []models.RefreshToken{first, second, other} {
			require.NoError(t, s.SaveRefreshToken(ctx, tok))
		}

		n, err := s.DeleteUserRefreshTokens(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = s.DeleteUserRefreshTokens(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		for _, tok := range []models.RefreshToken{first, second} {
			_, err = s.RefreshToken(ctx, tok.TokenHash, userID)
			assert.ErrorIs(t, err, storage.ErrTokenNotFound)
		}

		_, err = s.RefreshToken(ctx, other.TokenHash, otherID)
		assert.NoError(t, err)
	})

	t.Run("rotate", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		old := newToken(userID, time.Hour)
		next := newToken(userID, time.Hour)

		require.NoError(t, s.SaveRefreshToken(ctx, old))
		require.NoError(t, s.RotateRefreshToken(ctx, old.TokenHash, userID, next))

		_, err := s.RefreshToken(ctx, old.TokenHash, userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)

		got, err := s.RefreshToken(ctx, next.TokenHash, userID)
		require.NoError(t, err)
		assert.Equal(t, userID, got.UserID)

		err = s.RotateRefreshToken(ctx, old.TokenHash, userID, newToken(userID, time.Hour))
		assert.ErrorIs(t, err, storage.ErrTokenNotFound, "a consumed token cannot be rotated twice")
	})

	t.Run("rotate rejects foreign owner and expired", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		valid := newToken(userID, time.Hour)
		expired := newToken(userID, -time.Minute)

		require.NoError(t, s.SaveRefreshToken(ctx, valid))
		require.NoError(t, s.SaveRefreshToken(ctx, expired))

		err := s.RotateRefreshToken(ctx, valid.TokenHash, uuid.NewString(), newToken(userID, time.Hour))
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)

		err = s.RotateRefreshToken(ctx, expired.TokenHash, userID, newToken(userID, time.Hour))
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)

		_, err = s.RefreshToken(ctx, valid.TokenHash, userID)
		assert.NoError(t, err)
	})

	t.Run("concurrent rotate has a single winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		old := newToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, old))

		const workers = 8
		var (
			wg       sync.WaitGroup
			winners  atomic.Int32
			failures atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.RotateRefreshToken(ctx, old.TokenHash, userID, newToken(userID, time.Hour))
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, storage.ErrTokenNotFound):
				default:
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, winners.Load())
		assert.EqualValues(t, 0, failures.Load())
	})

	t.Run("revoked token never reappears under concurrent access", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		userID := uuid.NewString()
		token := newToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, token))

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = s.DeleteRefreshToken(ctx, token.TokenHash, userID)
			}()
			go func() {
				defer wg.Done()
				_ = s.SaveRefreshToken(ctx, newToken(userID, time.Hour))
			}()
		}
		wg.Wait()

		_, err := s.RefreshToken(ctx, token.TokenHash, userID)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	})
}

// FailedRotateKeepsOld checks that a rotation whose insert fails leaves the
// presented token usable. The next token reuses the digest of another live
// token, which stores with unique digests reject.
func FailedRotateKeepsOld(t *testing.T, newStore func(t *testing.T) RefreshTokenStore) {
	ctx := context.Background()
	s := newStore(t)
	userID := uuid.NewString()
	old := newToken(userID, time.Hour)
	taken := newToken(userID, time.Hour)

	require.NoError(t, s.SaveRefreshToken(ctx, old))
	require.NoError(t, s.SaveRefreshToken(ctx, taken))

	clash := newToken(userID, time.Hour)
	clash.TokenHash = taken.TokenHash

	err := s.RotateRefreshToken(ctx, old.TokenHash, userID, clash)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = s.RefreshToken(ctx, old.TokenHash, userID)
	assert.NoError(t, err, "old token survives a failed rotation")

	require.NoError(t, s.RotateRefreshToken(ctx, old.TokenHash, userID, newToken(userID, time.Hour)))
}

// Users runs the user repository contract against newStore.
func Users(t *testing.T, newStore func(t *testing.T) UserStore) {
	newUser := func() models.User {
		dob := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
		return models.User{
			Email:        gofakeit.Email(),
			PassHash:     []byte("$2a$04$not-a-real-hash"),
			Name:         gofakeit.Name(),
			DateOfBirth:  &dob,
			Supermarkets: []string{"conad", "oasi-tigre"},
		}
	}

	t.Run("save and look up", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		user := newUser()

		saved, err := s.SaveUser(ctx, user)
		require.NoError(t, err)
		require.NotEmpty(t, saved.ID)
		assert.False(t, saved.CreatedAt.IsZero())

		byEmail, err := s.User(ctx, user.Email)
		require.NoError(t, err)
		assert.Equal(t, saved.ID, byEmail.ID)
		assert.Equal(t, user.PassHash, byEmail.PassHash)
		assert.Equal(t, user.Name, byEmail.Name)
		assert.Equal(t, user.Supermarkets, byEmail.Supermarkets)
		require.NotNil(t, byEmail.DateOfBirth)
		assert.True(t, user.DateOfBirth.Equal(*byEmail.DateOfBirth))

		byID, err := s.UserByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, byID.Email)
	})

	t.Run("duplicate email", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		user := newUser()

		_, err := s.SaveUser(ctx, user)
		require.NoError(t, err)

		_, err = s.SaveUser(ctx, user)
		assert.ErrorIs(t, err, storage.ErrUserExists)
	})

	t.Run("not found", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.User(ctx, gofakeit.Email())
		assert.ErrorIs(t, err, storage.ErrUserNotFound)

		_, err = s.UserByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrUserNotFound)

		err = s.UpdatePassHash(ctx, uuid.NewString(), []byte("x"))
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
	})

	t.Run("update pass hash", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		saved, err := s.SaveUser(ctx, newUser())
		require.NoError(t, err)

		require.NoError(t, s.UpdatePassHash(ctx, saved.ID, []byte("new-hash")))

		got, err := s.UserByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("new-hash"), got.PassHash)
	})

	t.Run("optional profile fields", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		saved, err := s.SaveUser(ctx, models.User{Email: gofakeit.Email(), PassHash: []byte("h")})
		require.NoError(t, err)

		got, err := s.UserByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Nil(t, got.DateOfBirth)
		assert.Empty(t, got.Supermarkets)
	})
}
