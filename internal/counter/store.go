// Package counter implements the authoritative per-item statistics store:
// atomic toggle/increment of counters plus per-(viewer, item) interaction
// flags, backed by Postgres or Redis.
package counter

import (
	"context"

	"pulse/api/internal/content"
)

// Store is the single mutable source of truth for counters. ApplyInteraction
// must be atomic per call and serialize concurrent updates per ref; counts
// never go below zero (floor-at-zero decrement).
type Store interface {
	ApplyInteraction(ctx context.Context, ref content.Ref, actorID string, action content.Action) (content.Stats, content.Interactions, error)
	ReadStats(ctx context.Context, ref content.Ref) (content.Stats, error)
	ReadInteractions(ctx context.Context, ref content.Ref, actorID string) (content.Interactions, error)
	Ping(ctx context.Context) error
}
