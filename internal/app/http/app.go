package httpapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"authsvc/internal/http/handlers"
	mwlogger "authsvc/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type App struct {
	log     *slog.Logger
	server  *http.Server
	handler http.Handler
}

func New(
	log *slog.Logger,
	authHandler *handlers.AuthHandler,
	address string,
	timeout time.Duration,
	idleTimeout time.Duration,
) *App {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(mwlogger.Logger(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(timeout))

	router.Get("/status", handlers.Status)
	router.Mount("/auth", authHandler.Routes())

	return &App{
		log:     log,
		handler: router,
		server: &http.Server{
			Addr:              address,
			Handler:           router,
			ReadHeaderTimeout: timeout,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener)
}

func (a *App) Serve(listener net.Listener) error {
	const op = "httpapp.Serve"

	a.log.Info("http server is running",
		slog.String("op", op),
		slog.String("address", listener.Addr().String()),
	)

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop(ctx context.Context) error {
	const op = "httpapp.Stop"

	a.log.Info("stopping http server", slog.String("op", op), slog.String("address", a.server.Addr))

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
