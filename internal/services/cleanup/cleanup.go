// Package cleanup periodically removes expired refresh tokens from stores
// that do not expire rows on their own.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"authsvc/internal/lib/sl"
)

type ExpiredTokenDeleter interface {
	DeleteExpiredRefreshTokens(ctx context.Context) (int64, error)
}

type Cleaner struct {
	log      *slog.Logger
	deleter  ExpiredTokenDeleter
	interval time.Duration
}

func New(log *slog.Logger, deleter ExpiredTokenDeleter, interval time.Duration) *Cleaner {
	return &Cleaner{
		log:      log.With(slog.String("component", "cleanup")),
		deleter:  deleter,
		interval: interval,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	const op = "cleanup.Run"

	log := c.log.With(slog.String("op", op))
	log.Info("token cleanup started", slog.String("interval", c.interval.String()))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		n, err := c.deleter.DeleteExpiredRefreshTokens(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("failed to delete expired refresh tokens", sl.Err(err))
		case n > 0:
			log.Info("expired refresh tokens deleted", slog.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			log.Info("token cleanup stopped")
			return
		case <-ticker.C:
		}
	}
}
