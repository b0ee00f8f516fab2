// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
	"github.com/xkilldash9x/hostaudit/internal/llmclient"
)

// ErrDatabaseNotConfigured is returned when no database URL is set.
var ErrDatabaseNotConfigured = errors.New("database URL is not configured (hint: check HOSTAUDIT_DATABASE_URL)")

// PoolConfig translates the database section into a pgx pool configuration.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.URL == "" {
		return nil, ErrDatabaseNotConfigured
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	return poolConfig, nil
}

// OpenPool creates the connection pool and checks it is reachable.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Debug("Database connection pool initialized.",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return pool, nil
}

// InitializeLLMClient creates the tier router. When the client cannot be
// built, scans still run: the returned client reports every call as
// unavailable and the classifier degrades to its placeholder summary.
func InitializeLLMClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) schemas.LLMClient {
	client, err := llmclient.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Failed to initialize LLM client. Scans will complete without AI analysis.", zap.Error(err))
		return unavailableClient{cause: err}
	}
	return client
}

type unavailableClient struct {
	cause error
}

func (c unavailableClient) Generate(context.Context, schemas.GenerationRequest) (string, error) {
	return "", fmt.Errorf("llm client not configured: %w", c.cause)
}

func (unavailableClient) Close() error { return nil }
