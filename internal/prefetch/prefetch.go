// Package prefetch implements a bounded, per-stream look-ahead cache keyed
// by segment identity, so a TrackState can kick off a fetch for an upcoming
// segment before it is actually needed and reuse the in-flight or completed
// result instead of fetching twice.
package prefetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/streamcore/internal/capability"
	"github.com/zsiec/streamcore/internal/manifest"
)

// FetchFunc issues the underlying network request for a segment. Cache calls
// this at most once per distinct segment identity.
type FetchFunc func(ctx context.Context, ref *manifest.SegmentReference) capability.AbortableOp

// Cache is a bounded look-ahead fetch cache for a single stream. Not safe
// for use by more than one StreamID concurrently issuing unrelated
// prefetches — construct one Cache per active stream/shadow-prefetcher.
type Cache struct {
	log   *slog.Logger
	fetch FetchFunc
	limit int

	mu      sync.Mutex
	order   []string // identities in insertion order, oldest first, for eviction
	entries map[string]capability.AbortableOp
}

// New creates a Cache bound to limit look-ahead segments. limit <= 0 means
// prefetching is disabled: Prefetch becomes a no-op and Take always misses.
func New(log *slog.Logger, limit int, fetch FetchFunc) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:     log.With("component", "prefetch"),
		fetch:   fetch,
		limit:   limit,
		entries: make(map[string]capability.AbortableOp),
	}
}

// Prefetch starts a fetch for ref if it is not already cached and the cache
// has not reached its limit, evicting the oldest entry to make room
// otherwise. It is a no-op if ref is already present.
func (c *Cache) Prefetch(ctx context.Context, ref *manifest.SegmentReference) {
	if c.limit <= 0 {
		return
	}

	id := ref.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return
	}
	for len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		if op, ok := c.entries[oldest]; ok {
			op.Abort()
			delete(c.entries, oldest)
		}
	}

	c.entries[id] = c.fetch(ctx, ref)
	c.order = append(c.order, id)
	c.log.Debug("prefetch started", "identity", id, "size", len(c.order))
}

// Take removes and returns the cached fetch for ref, if any. The caller owns
// the returned op and is responsible for waiting on or aborting it; a
// subsequent Take for the same identity misses until Prefetch is called
// again.
func (c *Cache) Take(ref *manifest.SegmentReference) (capability.AbortableOp, bool) {
	id := ref.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return op, true
}

// Release aborts and drops every cached entry, for a switchVariant that
// changes stream identity with no matching shadow prefetcher.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, op := range c.entries {
		op.Abort()
	}
	c.entries = make(map[string]capability.AbortableOp)
	c.order = nil
}

// Len reports the number of segments currently cached, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// ShadowGroup manages one Cache per audio language peer, for
// prefetchAudioLanguages: when a variant switch changes the active audio
// stream but the previous language remains in the configured list, its
// prefetch state is kept alive here instead of released.
type ShadowGroup struct {
	log   *slog.Logger
	limit int
	fetch FetchFunc

	mu     sync.Mutex
	shadow map[string]*Cache // keyed by language
}

// NewShadowGroup creates an empty ShadowGroup.
func NewShadowGroup(log *slog.Logger, limit int, fetch FetchFunc) *ShadowGroup {
	return &ShadowGroup{log: log, limit: limit, fetch: fetch, shadow: make(map[string]*Cache)}
}

// Get returns the Cache for language, creating one if this is the first time
// it has been seen. Each new shadow prefetcher gets a random instance id,
// logged alongside it, so overlapping language peers are distinguishable in
// diagnostics even when two carry the same language tag across a period
// boundary.
func (g *ShadowGroup) Get(language string) *Cache {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.shadow[language]; ok {
		return c
	}
	instanceID := uuid.NewString()
	c := New(g.log, g.limit, g.fetch)
	c.log = c.log.With("language", language, "shadow_prefetcher_id", instanceID)
	g.shadow[language] = c
	return c
}

// Drop releases and removes the Cache for language, if any, for a language
// that has fallen out of prefetchAudioLanguages.
func (g *ShadowGroup) Drop(language string) {
	g.mu.Lock()
	c, ok := g.shadow[language]
	delete(g.shadow, language)
	g.mu.Unlock()

	if ok {
		c.Release()
	}
}

// Languages returns the languages currently shadow-prefetched, for tests.
func (g *ShadowGroup) Languages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	langs := make([]string, 0, len(g.shadow))
	for lang := range g.shadow {
		langs = append(langs, lang)
	}
	return langs
}
