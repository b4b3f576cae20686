package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	grpcapp "authsvc/internal/app/grpc"
	httpapp "authsvc/internal/app/http"
	"authsvc/internal/config"
	"authsvc/internal/http/handlers"
	"authsvc/internal/lib/hasher"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/services/auth"
	"authsvc/internal/services/cleanup"
)

type App struct {
	log     *slog.Logger
	HTTPSrv *httpapp.App
	// GRPCSrv is nil when no gRPC port is configured.
	GRPCSrv *grpcapp.App
	Auth    *auth.Auth

	cleaner     *cleanup.Cleaner
	stopCleaner context.CancelFunc
	stores      *stores
}

func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.New"

	st, err := openStores(ctx, log, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	authService, err := newAuthService(log, cfg, st)
	if err != nil {
		_ = st.close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	authHandler := handlers.NewAuthHandler(log, authService, handlers.Cookies{
		AccessName:  cfg.Cookies.AccessName,
		RefreshName: cfg.Cookies.RefreshName,
		Domain:      cfg.Cookies.Domain,
		Secure:      cfg.Cookies.Secure,
		SameSite:    cfg.Cookies.SameSiteMode(),
	})

	a := &App{
		log:     log,
		HTTPSrv: httpapp.New(log, authHandler, cfg.HTTP.Address, cfg.HTTP.Timeout, cfg.HTTP.IdleTimeout),
		Auth:    authService,
		stores:  st,
	}

	if cfg.GRPC.Port > 0 {
		a.GRPCSrv = grpcapp.New(log, authService, cfg.GRPC.Port)
	}

	if st.sweeper != nil && cfg.Storage.CleanupEnabled() {
		a.cleaner = cleanup.New(log, st.sweeper, cfg.Storage.CleanupInterval)
	}

	return a, nil
}

func newAuthService(log *slog.Logger, cfg *config.Config, st *stores) (*auth.Auth, error) {
	passwordHasher, err := hasher.New(hasher.Config{
		Algorithm:  hasher.Algorithm(cfg.Hasher.Algorithm),
		BcryptCost: cfg.Hasher.BcryptCost,
		Argon2: hasher.Argon2Params{
			Time:    cfg.Hasher.Argon2.Time,
			Memory:  cfg.Hasher.Argon2.MemoryKiB,
			Threads: cfg.Hasher.Argon2.Threads,
		},
	})
	if err != nil {
		return nil, err
	}

	tokens := cfg.Tokens

	access, err := jwt.New(
		jwt.KindAccess,
		jwt.NewKeySet(tokens.AccessKeyID, tokens.AccessSecret, tokens.AccessVerifyKeys),
		tokens.AccessTTL,
		tokens.Issuer,
	)
	if err != nil {
		return nil, fmt.Errorf("access codec: %w", err)
	}

	refresh, err := jwt.New(
		jwt.KindRefresh,
		jwt.NewKeySet(tokens.RefreshKeyID, tokens.RefreshSecret, tokens.RefreshVerifyKeys),
		tokens.RefreshTTL,
		tokens.Issuer,
	)
	if err != nil {
		return nil, fmt.Errorf("refresh codec: %w", err)
	}

	return auth.New(log, st.users, st.users, st.tokens, passwordHasher, access, refresh, auth.Options{
		RefreshPepper: tokens.RefreshPepper,
		RotateRefresh: tokens.RotateRefresh(),
	}), nil
}

// Start launches the servers and the token cleaner in the background.
func (a *App) Start(ctx context.Context) {
	go a.HTTPSrv.MustRun()

	if a.GRPCSrv != nil {
		go a.GRPCSrv.MustRun()
	}

	if a.cleaner != nil {
		ctx, a.stopCleaner = context.WithCancel(ctx)
		go a.cleaner.Run(ctx)
	}
}

// Stop shuts the servers down gracefully and releases the stores.
func (a *App) Stop(ctx context.Context) error {
	const op = "app.Stop"

	var errs []error

	if err := a.HTTPSrv.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.GRPCSrv != nil {
		a.GRPCSrv.Stop()
	}
	if a.stopCleaner != nil {
		a.stopCleaner()
	}
	if err := a.stores.close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("application stopped")

	return nil
}
