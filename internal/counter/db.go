package counter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the counter tables when they do not exist yet. The
// schema is two tables, so there is no migrations directory to manage.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS content_stats (
	content_type TEXT NOT NULL,
	content_id   TEXT NOT NULL,
	counter      TEXT NOT NULL,
	count        BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (content_type, content_id, counter)
);
CREATE TABLE IF NOT EXISTS content_marks (
	content_type TEXT NOT NULL,
	content_id   TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	marked_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (content_type, content_id, action, actor_id)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
