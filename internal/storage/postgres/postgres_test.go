package postgres

import (
	"context"
	"testing"
	"time"

	"authsvc/internal/storage/storagetest"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newStorageFactory starts one postgres container for the calling test and
// hands out the same migrated store with empty tables to every subtest.
func newStorageFactory(t *testing.T) func(t *testing.T) *Storage {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auth"),
		tcpostgres.WithUsername("auth"),
		tcpostgres.WithPassword("auth"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate()
	require.NoError(t, err)

	return func(t *testing.T) *Storage {
		t.Helper()
		_, err := s.db.ExecContext(context.Background(), "TRUNCATE users, refresh_tokens")
		require.NoError(t, err)
		return s
	}
}

func TestStorage_RefreshTokens(t *testing.T) {
	newStorage := newStorageFactory(t)

	storagetest.RefreshTokens(t, func(t *testing.T) storagetest.RefreshTokenStore {
		return newStorage(t)
	})
}

func TestStorage_FailedRotateKeepsOld(t *testing.T) {
	newStorage := newStorageFactory(t)

	storagetest.FailedRotateKeepsOld(t, func(t *testing.T) storagetest.RefreshTokenStore {
		return newStorage(t)
	})
}

func TestStorage_Users(t *testing.T) {
	newStorage := newStorageFactory(t)

	storagetest.Users(t, func(t *testing.T) storagetest.UserStore {
		return newStorage(t)
	})
}
