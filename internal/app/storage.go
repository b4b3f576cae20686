package app

import (
	"context"
	"fmt"
	"log/slog"

	"authsvc/internal/config"
	"authsvc/internal/services/auth"
	"authsvc/internal/services/cleanup"
	"authsvc/internal/storage"
	"authsvc/internal/storage/mongodb"
	"authsvc/internal/storage/postgres"
	"authsvc/internal/storage/redis"
	"authsvc/internal/storage/sqlite"
)

type userStore interface {
	auth.UserSaver
	auth.UserProvider
}

type tokenStore interface {
	auth.RefreshTokenProvider
}

type stores struct {
	users  userStore
	tokens tokenStore
	// sweeper is nil when the token backend expires rows by itself.
	sweeper cleanup.ExpiredTokenDeleter
	closers []func(context.Context) error
}

func (s *stores) close(ctx context.Context) error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openStores connects the user repository and the refresh token store
// described by cfg, running schema migrations where the backend needs them.
func openStores(ctx context.Context, log *slog.Logger, cfg config.StorageConfig) (*stores, error) {
	const op = "app.openStores"

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	s := &stores{}

	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })

		if err := migrate(log, db.Migrate); err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.users, s.tokens, s.sweeper = db, db, db

	case config.DriverPostgres:
		db, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })

		if err := migrate(log, db.Migrate); err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.users, s.tokens, s.sweeper = db, db, db

	case config.DriverMongo:
		db, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.closers = append(s.closers, db.Close)
		s.users, s.tokens = db, db

	default:
		return nil, fmt.Errorf("%s: %w: %q", op, storage.ErrUnknownBackend, cfg.Driver)
	}

	if cfg.TokenBackend() == config.DriverRedis {
		rdb, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		s.tokens, s.sweeper = rdb, nil
	}

	log.Info("storage ready",
		slog.String("users", cfg.Driver),
		slog.String("refresh_tokens", cfg.TokenBackend()),
	)

	return s, nil
}

func migrate(log *slog.Logger, up func() (bool, error)) error {
	applied, err := up()
	if err != nil {
		return err
	}
	if applied {
		log.Info("database migrations applied")
	}
	return nil
}
