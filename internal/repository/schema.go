package repository

import (
	"context"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

const (
	JobsTable  = "matches_to_download"
	UsersTable = "users"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	steam_id BIGINT PRIMARY KEY,
	auth_code TEXT,
	last_known_match_code TEXT,
	auth_code_valid BOOLEAN
)`,
	`CREATE TABLE IF NOT EXISTS matches_to_download (
	id BIGSERIAL PRIMARY KEY,
	share_code TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	file_path TEXT,
	coach_tip TEXT,
	tip_sent BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS matches_to_download_user_status_id
	ON matches_to_download (user_id, status, id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	steam_id INTEGER PRIMARY KEY,
	auth_code TEXT,
	last_known_match_code TEXT,
	auth_code_valid BOOLEAN
)`,
	`CREATE TABLE IF NOT EXISTS matches_to_download (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	share_code TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	file_path TEXT,
	coach_tip TEXT,
	tip_sent BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS matches_to_download_user_status_id
	ON matches_to_download (user_id, status, id)`,
}

// Migrate creates the tables this service reads and writes, if missing.
func Migrate(ctx context.Context, drv *entsql.Driver, logger *slog.Logger) error {
	var stmts []string
	switch drv.Dialect() {
	case dialect.Postgres:
		stmts = postgresSchema
	case dialect.SQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", drv.Dialect())
	}
	for _, stmt := range stmts {
		if _, err := drv.DB().ExecContext(ctx, stmt); err != nil {
			logger.Error("schema migration failed", "dialect", drv.Dialect(), "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("schema up to date", "dialect", drv.Dialect())
	return nil
}
