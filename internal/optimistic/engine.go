// Package optimistic applies locally predicted counter deltas to every cached
// view of an item before the write round trip completes, then reconciles with
// the authoritative result or rolls the prediction back.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulse/api/internal/cache"
	"pulse/api/internal/content"
)

var (
	// ErrUnauthenticated means no viewer identity is present; the mutation
	// is not attempted and no cache entry is touched.
	ErrUnauthenticated = errors.New("not signed in")
	// ErrMutationFailed wraps a gateway failure after the predicted entries
	// were restored to their snapshots. Retryable.
	ErrMutationFailed = errors.New("mutation failed")
)

// Gateway is the outbound write path. Apply must return the authoritative
// stats and the actor's interaction state for the ref.
type Gateway interface {
	Apply(ctx context.Context, ref content.Ref, actorID string, action content.Action) (content.Stats, content.Interactions, error)
}

type Engine struct {
	cache   *cache.Store
	gateway Gateway
	viewer  string
	timeout time.Duration

	// mu serializes the cache steps (predict, commit, revert) so a second
	// toggle issued before the first resolves predicts from the first's
	// predicted state. The gateway calls themselves run concurrently.
	mu sync.Mutex
}

func New(cacheStore *cache.Store, gateway Gateway, viewer string, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Engine{
		cache:   cacheStore,
		gateway: gateway,
		viewer:  viewer,
		timeout: timeout,
	}
}

type mutated struct {
	key      cache.Key
	previous cache.Entry
}

// Act runs the three-step protocol for one user action: snapshot and predict
// across every cached view of ref, dispatch the write, then commit the
// authoritative values or restore every touched entry to its snapshot.
func (e *Engine) Act(ctx context.Context, ref content.Ref, action content.Action) (content.Stats, content.Interactions, error) {
	if e.viewer == "" {
		return nil, nil, ErrUnauthenticated
	}

	snapshots := e.predict(ref, action)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stats, interactions, err := e.gateway.Apply(callCtx, ref, e.viewer, action)
	if err != nil {
		e.revert(snapshots)
		return nil, nil, fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}

	e.commit(ref, stats, interactions)
	return stats, interactions, nil
}

// predict writes the locally computed delta into the single-item entry and
// every list entry of the same content-type family, snapshotting each entry
// it touches. Entries that do not exist are skipped.
func (e *Engine) predict(ref content.Ref, action content.Action) []mutated {
	e.mu.Lock()
	defer e.mu.Unlock()

	var snapshots []mutated

	itemKey := cache.ItemKey(ref, e.viewer)
	wasActive := false
	previous, hasItem := e.cache.Get(itemKey)
	if hasItem && previous.Item != nil && action.Flag() != "" {
		wasActive = previous.Item.Interactions.Get(action.Flag())
	}

	if hasItem {
		e.cache.Set(itemKey, func(entry cache.Entry) cache.Entry {
			if entry.Item != nil {
				predictItem(entry.Item, action, wasActive)
			}
			entry.Source = cache.SourceOptimistic
			return entry
		})
		snapshots = append(snapshots, mutated{key: itemKey, previous: previous})
	}

	for _, key := range e.cache.FamilyKeys(ref.Type) {
		if key == itemKey || key.Viewer != e.viewer {
			continue
		}
		previous, ok := e.cache.Get(key)
		if !ok {
			continue
		}
		touched := false
		e.cache.Set(key, func(entry cache.Entry) cache.Entry {
			for i := range entry.List {
				if entry.List[i].Ref != ref {
					continue
				}
				predictItem(&entry.List[i], action, wasActive)
				touched = true
			}
			if entry.Item != nil && entry.Item.Ref == ref {
				predictItem(entry.Item, action, wasActive)
				touched = true
			}
			if touched {
				entry.Source = cache.SourceOptimistic
			}
			return entry
		})
		if touched {
			snapshots = append(snapshots, mutated{key: key, previous: previous})
		}
	}

	return snapshots
}

// predictItem applies one action to a single cached row. Toggles flip the
// flag and move the counter by one; monotonic actions only increment. The
// count is clamped at zero, the store's response overrides the clamp later.
func predictItem(item *cache.Item, action content.Action, wasActive bool) {
	counter := action.Counter()
	if item.Stats == nil {
		item.Stats = content.Stats{}
	}
	if action.Monotonic() {
		item.Stats[counter] = item.Stats.Get(counter) + 1
		return
	}
	delta := 1
	if wasActive {
		delta = -1
	}
	next := item.Stats.Get(counter) + delta
	if next < 0 {
		next = 0
	}
	item.Stats[counter] = next
	if item.Interactions == nil {
		item.Interactions = content.Interactions{}
	}
	item.Interactions[action.Flag()] = !wasActive
}

// commit overwrites every cached view of ref with the authoritative values.
// Idempotent: it supersedes the prediction whether or not it matched, so the
// last resolved request wins.
func (e *Engine) commit(ref content.Ref, stats content.Stats, interactions content.Interactions) {
	e.mu.Lock()
	defer e.mu.Unlock()

	itemKey := cache.ItemKey(ref, e.viewer)
	e.cache.Set(itemKey, func(entry cache.Entry) cache.Entry {
		if entry.Item != nil {
			entry.Item.Stats = stats.Clone()
			entry.Item.Interactions = interactions.Clone()
		}
		entry.Source = cache.SourceServer
		return entry
	})

	for _, key := range e.cache.FamilyKeys(ref.Type) {
		if key == itemKey || key.Viewer != e.viewer {
			continue
		}
		e.cache.Set(key, func(entry cache.Entry) cache.Entry {
			touched := false
			for i := range entry.List {
				if entry.List[i].Ref != ref {
					continue
				}
				entry.List[i].Stats = stats.Clone()
				touched = true
			}
			if entry.Item != nil && entry.Item.Ref == ref {
				entry.Item.Stats = stats.Clone()
				entry.Item.Interactions = interactions.Clone()
				touched = true
			}
			if touched {
				entry.Source = cache.SourceServer
			}
			return entry
		})
	}
}

// revert restores every entry the prediction touched to its exact snapshot.
func (e *Engine) revert(snapshots []mutated) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, snap := range snapshots {
		e.cache.Put(snap.previous)
	}
}
