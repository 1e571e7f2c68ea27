package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"socialchat/pkg/config"
	"socialchat/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Connect opens a pool for cfg.DatabaseURL, pings it and applies the schema
// unless APPLY_SCHEMA_ON_START=false.
func Connect(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	log = logger.OrNop(log)
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DB config: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	if cfg.DBMinConns > 0 {
		poolCfg.MinConns = int32(cfg.DBMinConns)
	}
	if cfg.DBMaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("postgres_connected", zap.Int32("max_conns", poolCfg.MaxConns))

	if !strings.EqualFold(os.Getenv("APPLY_SCHEMA_ON_START"), "false") {
		schemaCtx, cancelSchema := context.WithTimeout(ctx, 30*time.Second)
		defer cancelSchema()
		if err := ApplySchema(schemaCtx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("schema_applied")
	}
	return pool, nil
}

// ApplySchema executes the embedded schema. SCHEMA_PATH overrides it with a file.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	sql := schemaSQL
	if path := os.Getenv("SCHEMA_PATH"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema file: %w", err)
		}
		sql = string(b)
	}

	sql = strings.TrimSpace(sql)
	if sql == "" {
		return errors.New("schema is empty")
	}
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}
