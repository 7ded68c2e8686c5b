package counter

import (
	"context"
	"database/sql"
	"fmt"

	"pulse/api/internal/content"
)

// PostgresStore is the durable counter store. The per-ref row locks taken by
// the upserts serialize concurrent increments, and GREATEST keeps the
// floor-at-zero invariant on the way down.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ApplyInteraction(ctx context.Context, ref content.Ref, actorID string, action content.Action) (content.Stats, content.Interactions, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin interaction tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if action.Monotonic() {
		if err := bumpCounter(ctx, tx, ref, action.Counter(), 1); err != nil {
			return nil, nil, err
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM content_marks
			WHERE content_type=$1 AND content_id=$2 AND action=$3 AND actor_id=$4
		`, ref.Type, ref.ID, action, actorID)
		if err != nil {
			return nil, nil, fmt.Errorf("clear mark: %w", err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return nil, nil, fmt.Errorf("clear mark result: %w", err)
		}
		if removed > 0 {
			if err := bumpCounter(ctx, tx, ref, action.Counter(), -1); err != nil {
				return nil, nil, err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO content_marks (content_type, content_id, action, actor_id)
				VALUES ($1, $2, $3, $4)
			`, ref.Type, ref.ID, action, actorID); err != nil {
				return nil, nil, fmt.Errorf("insert mark: %w", err)
			}
			if err := bumpCounter(ctx, tx, ref, action.Counter(), 1); err != nil {
				return nil, nil, err
			}
		}
	}

	stats, err := readStatsTx(ctx, tx, ref)
	if err != nil {
		return nil, nil, err
	}
	interactions, err := readInteractionsTx(ctx, tx, ref, actorID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit interaction: %w", err)
	}
	return stats, interactions, nil
}

func bumpCounter(ctx context.Context, tx *sql.Tx, ref content.Ref, counter string, delta int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO content_stats (content_type, content_id, counter, count)
		VALUES ($1, $2, $3, GREATEST(0, $4))
		ON CONFLICT (content_type, content_id, counter)
		DO UPDATE SET count = GREATEST(0, content_stats.count + $4)
	`, ref.Type, ref.ID, counter, delta)
	if err != nil {
		return fmt.Errorf("bump %s by %d: %w", counter, delta, err)
	}
	return nil
}

func (s *PostgresStore) ReadStats(ctx context.Context, ref content.Ref) (content.Stats, error) {
	return readStatsTx(ctx, s.db, ref)
}

func (s *PostgresStore) ReadInteractions(ctx context.Context, ref content.Ref, actorID string) (content.Interactions, error) {
	return readInteractionsTx(ctx, s.db, ref, actorID)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readStatsTx(ctx context.Context, q querier, ref content.Ref) (content.Stats, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT counter, count FROM content_stats
		WHERE content_type=$1 AND content_id=$2
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	defer rows.Close()

	stats := content.Stats{}
	for rows.Next() {
		var counter string
		var count int
		if err := rows.Scan(&counter, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if count < 0 {
			count = 0
		}
		stats[counter] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

func readInteractionsTx(ctx context.Context, q querier, ref content.Ref, actorID string) (content.Interactions, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT action FROM content_marks
		WHERE content_type=$1 AND content_id=$2 AND actor_id=$3
	`, ref.Type, ref.ID, actorID)
	if err != nil {
		return nil, fmt.Errorf("read marks: %w", err)
	}
	defer rows.Close()

	marked := map[content.Action]bool{}
	for rows.Next() {
		var action content.Action
		if err := rows.Scan(&action); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		marked[action] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate marks: %w", err)
	}

	interactions := content.Interactions{}
	for _, action := range content.ToggleActions() {
		interactions[action.Flag()] = marked[action]
	}
	return interactions, nil
}
