package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id              UUID         PRIMARY KEY,
				code            VARCHAR(16)  NOT NULL UNIQUE,
				storage_key     VARCHAR(255) NOT NULL,
				original_name   VARCHAR(255) NOT NULL,
				size            BIGINT       NOT NULL,
				mime_type       VARCHAR(255) NOT NULL,
				expires_at      TIMESTAMPTZ  NOT NULL,
				max_downloads   INTEGER      NOT NULL DEFAULT 1,
				download_count  INTEGER      NOT NULL DEFAULT 0,
				password_hash   VARCHAR(255),
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				CHECK (max_downloads = -1 OR max_downloads > 0),
				CHECK (download_count >= 0)
			);
			CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
		`,
	},
	{
		Version: "000002_create_upload_sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS upload_sessions (
				id               UUID         PRIMARY KEY,
				code             VARCHAR(16)  NOT NULL UNIQUE,
				storage_key      VARCHAR(255) NOT NULL,
				original_name    VARCHAR(255) NOT NULL,
				size             BIGINT       NOT NULL,
				mime_type        VARCHAR(255) NOT NULL,
				file_expires_at  TIMESTAMPTZ  NOT NULL,
				max_downloads    INTEGER      NOT NULL,
				password_hash    VARCHAR(255),
				expires_at       TIMESTAMPTZ  NOT NULL,
				created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_upload_sessions_expires_at ON upload_sessions(expires_at);
		`,
	},
	{
		Version: "000003_create_download_tokens",
		SQL: `
			CREATE TABLE IF NOT EXISTS download_tokens (
				token         UUID         PRIMARY KEY,
				file_id       UUID         NOT NULL REFERENCES files(id) ON DELETE CASCADE,
				code          VARCHAR(16)  NOT NULL,
				delete_after  BOOLEAN      NOT NULL DEFAULT FALSE,
				expires_at    TIMESTAMPTZ  NOT NULL,
				created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_download_tokens_file_id ON download_tokens(file_id);
			CREATE INDEX IF NOT EXISTS idx_download_tokens_expires_at ON download_tokens(expires_at);
		`,
	},
	{
		Version: "000004_create_shares",
		SQL: `
			CREATE TABLE IF NOT EXISTS shares (
				code                VARCHAR(16)  PRIMARY KEY,
				type                VARCHAR(16)  NOT NULL,
				expires_at          TIMESTAMPTZ  NOT NULL,
				password_hash       VARCHAR(255),
				burn_after_reading  BOOLEAN      NOT NULL DEFAULT FALSE,
				view_count          INTEGER      NOT NULL DEFAULT 0,
				burned              BOOLEAN      NOT NULL DEFAULT FALSE,
				original_name       VARCHAR(255) NOT NULL DEFAULT '',
				mime_type           VARCHAR(255) NOT NULL DEFAULT '',
				size                BIGINT       NOT NULL DEFAULT 0,
				language            VARCHAR(64)  NOT NULL DEFAULT '',
				created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS share_contents (
				code     VARCHAR(16) PRIMARY KEY REFERENCES shares(code) ON DELETE CASCADE,
				content  TEXT        NOT NULL
			);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database", "max_conns", config.MaxConns)
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order, each in
// its own transaction.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if applied {
			continue
		}

		err = pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
