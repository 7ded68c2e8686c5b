// Package subclient maintains one persistent connection per browsing
// session, subscribes to the content refs currently on screen, and merges
// incoming stats updates into the client cache, overriding any optimistic
// prediction.
package subclient

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulse/api/internal/broadcast"
	"pulse/api/internal/cache"
	"pulse/api/internal/config"
	"pulse/api/internal/content"
)

// Fetcher re-reads authoritative state for a ref, used to cover events
// missed while disconnected.
type Fetcher interface {
	FetchItem(ctx context.Context, ref content.Ref) (content.Stats, content.Interactions, error)
}

type Options struct {
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ReconnectBudget int
	RefetchInterval time.Duration
}

// OptionsFrom lifts the reconnect policy out of the service configuration.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
		ReconnectBudget: cfg.ReconnectBudget,
		RefetchInterval: cfg.RefetchInterval,
	}
}

func (o *Options) fill() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.ReconnectBudget <= 0 {
		o.ReconnectBudget = 8
	}
	if o.RefetchInterval <= 0 {
		o.RefetchInterval = 30 * time.Second
	}
}

type Client struct {
	url      string
	viewerID string
	cache    *cache.Store
	fetcher  Fetcher
	dialer   *websocket.Dialer
	opts     Options

	mu     sync.Mutex
	viewed map[content.Ref]struct{}
	sock   *websocket.Conn

	writeMu sync.Mutex
}

func New(url, viewerID string, cacheStore *cache.Store, fetcher Fetcher, opts Options) *Client {
	opts.fill()
	return &Client{
		url:      url,
		viewerID: viewerID,
		cache:    cacheStore,
		fetcher:  fetcher,
		dialer:   websocket.DefaultDialer,
		opts:     opts,
	}
}

// View marks the ref as currently on screen and subscribes when connected.
func (c *Client) View(ref content.Ref) {
	c.mu.Lock()
	if c.viewed == nil {
		c.viewed = make(map[content.Ref]struct{})
	}
	c.viewed[ref] = struct{}{}
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		c.write(sock, broadcast.Envelope{Type: broadcast.TypeSubscribe, ContentRef: &ref, ViewerID: c.viewerID})
	}
}

// Leave unsubscribes the ref when the viewer navigates away.
func (c *Client) Leave(ref content.Ref) {
	c.mu.Lock()
	delete(c.viewed, ref)
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		c.write(sock, broadcast.Envelope{Type: broadcast.TypeUnsubscribe, ContentRef: &ref, ViewerID: c.viewerID})
	}
}

// Run connects and keeps the connection alive until ctx is done, retrying
// with exponential backoff. Each successful reconnect re-issues every active
// subscribe and refetches the viewed refs to cover missed events. Once the
// reconnect budget is exhausted the client falls back to periodic refetch,
// retrying the dial once per refetch interval.
func (c *Client) Run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sock, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			failures++
			if failures >= c.opts.ReconnectBudget {
				c.refetchViewed(ctx)
				if !sleepCtx(ctx, c.opts.RefetchInterval) {
					return
				}
				continue
			}
			if !sleepCtx(ctx, backoff(c.opts.BackoffBase, c.opts.BackoffCap, failures)) {
				return
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		c.sock = sock
		refs := make([]content.Ref, 0, len(c.viewed))
		for ref := range c.viewed {
			refs = append(refs, ref)
		}
		c.mu.Unlock()

		for _, ref := range refs {
			c.write(sock, broadcast.Envelope{Type: broadcast.TypeSubscribe, ContentRef: &ref, ViewerID: c.viewerID})
		}
		c.refetchViewed(ctx)

		c.readLoop(ctx, sock)

		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
		_ = sock.Close()

		if !sleepCtx(ctx, c.opts.BackoffBase) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, sock *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var env broadcast.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case broadcast.TypeStatsUpdate:
			c.applyUpdate(env)
		case broadcast.TypeHeartbeat:
			c.write(sock, broadcast.Envelope{Type: broadcast.TypeHeartbeatAck})
		}
	}
}

// applyUpdate overwrites every cached view of the event's ref with the
// authoritative stats, and the interaction state only when the event carries
// it. Server data always supersedes an optimistic prediction.
func (c *Client) applyUpdate(env broadcast.Envelope) {
	if env.ContentRef == nil {
		return
	}
	ref := *env.ContentRef

	itemKey := cache.ItemKey(ref, c.viewerID)
	c.cache.Set(itemKey, func(entry cache.Entry) cache.Entry {
		if entry.Item != nil {
			entry.Item.Stats = env.Stats.Clone()
			if env.Interactions != nil {
				entry.Item.Interactions = env.Interactions.Clone()
			}
		}
		entry.Source = cache.SourceServer
		return entry
	})

	for _, key := range c.cache.FamilyKeys(ref.Type) {
		if key == itemKey || key.Viewer != c.viewerID {
			continue
		}
		c.cache.Set(key, func(entry cache.Entry) cache.Entry {
			touched := false
			for i := range entry.List {
				if entry.List[i].Ref != ref {
					continue
				}
				entry.List[i].Stats = env.Stats.Clone()
				touched = true
			}
			if entry.Item != nil && entry.Item.Ref == ref {
				entry.Item.Stats = env.Stats.Clone()
				if env.Interactions != nil {
					entry.Item.Interactions = env.Interactions.Clone()
				}
				touched = true
			}
			if touched {
				entry.Source = cache.SourceServer
			}
			return entry
		})
	}
}

// refetchViewed pulls authoritative state for every viewed ref and replaces
// the single-item cache entries outright.
func (c *Client) refetchViewed(ctx context.Context) {
	if c.fetcher == nil {
		return
	}
	c.mu.Lock()
	refs := make([]content.Ref, 0, len(c.viewed))
	for ref := range c.viewed {
		refs = append(refs, ref)
	}
	c.mu.Unlock()

	for _, ref := range refs {
		stats, interactions, err := c.fetcher.FetchItem(ctx, ref)
		if err != nil {
			log.Printf("subclient: refetch %s failed: %v", ref, err)
			continue
		}
		c.cache.Put(cache.Entry{
			Key:    cache.ItemKey(ref, c.viewerID),
			Item:   &cache.Item{Ref: ref, Stats: stats, Interactions: interactions},
			Source: cache.SourceServer,
		})
	}
}

func (c *Client) write(sock *websocket.Conn, env broadcast.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := sock.WriteJSON(env); err != nil {
		log.Printf("subclient: write %s failed: %v", env.Type, err)
	}
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
