package subclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pulse/api/internal/broadcast"
	"pulse/api/internal/cache"
	"pulse/api/internal/config"
	"pulse/api/internal/content"
)

type fakeFetcher struct {
	calls int64
	stats content.Stats
	marks content.Interactions
}

func (f *fakeFetcher) FetchItem(ctx context.Context, ref content.Ref) (content.Stats, content.Interactions, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.stats.Clone(), f.marks.Clone(), nil
}

func (f *fakeFetcher) count() int64 { return atomic.LoadInt64(&f.calls) }

func startBroadcast(t *testing.T) (*broadcast.Hub, string) {
	t.Helper()
	hub := broadcast.NewHub()
	server := broadcast.NewServer(hub, []byte("secret"), time.Minute, time.Minute)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitSubscribers(t *testing.T, hub *broadcast.Hub, ref content.Ref, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(ref) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers for %s, have %d", want, ref, hub.Subscribers(ref))
}

func waitForStats(t *testing.T, store *cache.Store, key cache.Key, counter string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := store.Get(key); ok && entry.Item != nil && entry.Item.Stats.Get(counter) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry, _ := store.Get(key)
	t.Fatalf("cache never reached %s=%d, entry: %+v", counter, want, entry)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Config{
		BackoffBase:     100 * time.Millisecond,
		BackoffCap:      time.Second,
		ReconnectBudget: 3,
		RefetchInterval: 5 * time.Second,
	}
	opts := OptionsFrom(cfg)
	if opts.BackoffBase != cfg.BackoffBase || opts.BackoffCap != cfg.BackoffCap ||
		opts.ReconnectBudget != cfg.ReconnectBudget || opts.RefetchInterval != cfg.RefetchInterval {
		t.Errorf("options do not mirror config: %+v", opts)
	}
}

func TestUpdateMergedIntoCache(t *testing.T) {
	hub, url := startBroadcast(t)
	store := cache.New()
	ref := content.Ref{Type: content.TypeArticle, ID: "a1"}
	key := cache.ItemKey(ref, "viewer-1")
	store.Put(cache.Entry{
		Key:    key,
		Item:   &cache.Item{Ref: ref, Stats: content.Stats{"likes": 3}, Interactions: content.Interactions{"isLiked": false}},
		Source: cache.SourceOptimistic,
	})

	client := New(url, "viewer-1", store, nil, Options{})
	client.View(ref)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitSubscribers(t, hub, ref, 1)

	hub.Publish(content.StatsUpdate{
		Ref:          ref,
		Stats:        content.Stats{"likes": 9},
		Interactions: content.Interactions{"isLiked": true},
		ActorID:      "someone-else",
		Timestamp:    time.Now(),
	})

	waitForStats(t, store, key, "likes", 9)
	entry, _ := store.Get(key)
	if entry.Source != cache.SourceServer {
		t.Errorf("expected server source after update, got %q", entry.Source)
	}
	if entry.Item.Interactions.Get("isLiked") {
		t.Error("interaction state changed by an event that did not carry it")
	}
}

func TestUpdateCarryingInteractionsWins(t *testing.T) {
	hub, url := startBroadcast(t)
	store := cache.New()
	ref := content.Ref{Type: content.TypeThread, ID: "t1"}
	key := cache.ItemKey(ref, "viewer-1")
	store.Put(cache.Entry{
		Key:    key,
		Item:   &cache.Item{Ref: ref, Stats: content.Stats{}, Interactions: content.Interactions{}},
		Source: cache.SourceServer,
	})

	client := New(url, "viewer-1", store, nil, Options{})
	client.View(ref)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitSubscribers(t, hub, ref, 1)

	hub.Publish(content.StatsUpdate{
		Ref:          ref,
		Stats:        content.Stats{"bookmarks": 1},
		Interactions: content.Interactions{"isBookmarked": true},
		ActorID:      "viewer-1",
		Timestamp:    time.Now(),
	})

	waitForStats(t, store, key, "bookmarks", 1)
	entry, _ := store.Get(key)
	if !entry.Item.Interactions.Get("isBookmarked") {
		t.Error("expected interaction state from actor-directed update")
	}
}

func TestUpdateTouchesFamilyListEntries(t *testing.T) {
	hub, url := startBroadcast(t)
	store := cache.New()
	ref := content.Ref{Type: content.TypeGuide, ID: "g7"}
	other := content.Ref{Type: content.TypeGuide, ID: "g8"}
	listKey := cache.Key{Type: content.TypeGuide, Query: "recent", Viewer: "viewer-1"}
	store.Put(cache.Entry{
		Key: listKey,
		List: []cache.Item{
			{Ref: ref, Stats: content.Stats{"helpful": 2}},
			{Ref: other, Stats: content.Stats{"helpful": 5}},
		},
		Source: cache.SourceServer,
	})

	client := New(url, "viewer-1", store, nil, Options{})
	client.View(ref)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitSubscribers(t, hub, ref, 1)

	hub.Publish(content.StatsUpdate{
		Ref:       ref,
		Stats:     content.Stats{"helpful": 3},
		ActorID:   "someone-else",
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := store.Get(listKey); ok && entry.List[0].Stats.Get("helpful") == 3 {
			if entry.List[1].Stats.Get("helpful") != 5 {
				t.Errorf("unrelated list row changed: %+v", entry.List[1])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("list row never picked up the update")
}

func TestLeaveStopsDelivery(t *testing.T) {
	hub, url := startBroadcast(t)
	store := cache.New()
	ref := content.Ref{Type: content.TypeArticle, ID: "a2"}

	client := New(url, "viewer-1", store, nil, Options{})
	client.View(ref)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitSubscribers(t, hub, ref, 1)

	client.Leave(ref)
	waitSubscribers(t, hub, ref, 0)
}

func TestReconnectResubscribesAndRefetches(t *testing.T) {
	hub, url := startBroadcast(t)
	store := cache.New()
	ref := content.Ref{Type: content.TypeArticle, ID: "a3"}
	fetcher := &fakeFetcher{stats: content.Stats{"likes": 42}, marks: content.Interactions{"isLiked": true}}

	client := New(url, "viewer-1", store, fetcher, Options{BackoffBase: 10 * time.Millisecond})
	client.View(ref)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitSubscribers(t, hub, ref, 1)
	first := fetcher.count()
	if first == 0 {
		t.Fatal("expected a refetch on initial connect")
	}

	hub.DropAll()
	waitSubscribers(t, hub, ref, 0)
	waitSubscribers(t, hub, ref, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fetcher.count() > first {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fetcher.count() <= first {
		t.Fatal("expected a refetch after reconnect")
	}

	key := cache.ItemKey(ref, "viewer-1")
	waitForStats(t, store, key, "likes", 42)
}

func TestBudgetExhaustedFallsBackToRefetch(t *testing.T) {
	store := cache.New()
	ref := content.Ref{Type: content.TypeArticle, ID: "a4"}
	fetcher := &fakeFetcher{stats: content.Stats{"likes": 1}, marks: content.Interactions{}}

	// Nothing listens on this port, so every dial fails.
	client := New("ws://127.0.0.1:1/ws", "viewer-1", store, fetcher, Options{
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
		ReconnectBudget: 2,
		RefetchInterval: 5 * time.Millisecond,
	})
	client.View(ref)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fetcher.count() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected periodic refetch after budget exhaustion, calls=%d", fetcher.count())
}
