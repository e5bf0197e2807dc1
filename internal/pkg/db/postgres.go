// Package db owns the PostgreSQL pool behind the ledger.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxLifetime    = time.Hour
	defaultMaxIdle        = 30 * time.Minute
	healthCheckPeriod     = 30 * time.Second
)

// Pool is the ledger's connection pool.
type Pool struct {
	*pgxpool.Pool
}

// PoolConfig translates the database section into pgxpool settings. A
// quarter of the pool, at least one connection, is kept open.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pc.MinConns = int32(max(cfg.PoolSize/4, 1))
	pc.MaxConns = int32(max(cfg.PoolSize, 1))
	if pc.MaxConns < pc.MinConns {
		pc.MaxConns = pc.MinConns
	}

	pc.ConnConfig.ConnectTimeout = positive(cfg.ConnectTimeout, defaultConnectTimeout)
	pc.MaxConnLifetime = positive(cfg.MaxConnLifetime, defaultMaxLifetime)
	pc.MaxConnIdleTime = positive(cfg.MaxConnIdleTime, defaultMaxIdle)
	pc.HealthCheckPeriod = healthCheckPeriod
	return pc, nil
}

// NewPool opens the pool and checks that the server answers.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int32("max_conns", pc.MaxConns).
		Msg("Connecting to PostgreSQL")

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pc.ConnConfig.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("PostgreSQL ready")
	return &Pool{Pool: pool}, nil
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Close closes the pool.
func (p *Pool) Close() {
	if p.Pool == nil {
		return
	}
	p.Pool.Close()
	log.Info().Msg("PostgreSQL pool closed")
}

// HealthCheck pings the database for the ops health endpoint.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if p.Pool == nil {
		return fmt.Errorf("database pool not initialized")
	}
	return p.Pool.Ping(ctx)
}
