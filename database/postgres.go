// database/postgres.go
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

func NewPostgresDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := MigratePostgres(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		post_id UUID,
		original_filename TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		raw_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		width INT NOT NULL DEFAULT 0,
		height INT NOT NULL DEFAULT 0,
		thumbnail_url TEXT NOT NULL DEFAULT '',
		manifest_url TEXT NOT NULL DEFAULT '',
		available_qualities TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		processing_completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS video_quality_variants (
		video_id UUID NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		quality_name TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_priority INT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (video_id, quality_name)
	)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status)`,
}

// MigratePostgres creates the tables when they are missing.
func MigratePostgres(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
