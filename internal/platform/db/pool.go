package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// NewPool opens a pgx pool and pings it, retrying with exponential backoff
// while the database comes up.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	var pool *pgxpool.Pool
	backoff := retry.WithMaxRetries(connectAttempts-1, retry.NewExponential(connectBackoff))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create connection pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn().Err(err).Int("attempt", attempt).Msg("database not ready")
			return retry.RetryableError(fmt.Errorf("ping database: %w", err))
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
