// Package cache keeps the latest known snapshot of every order, order line
// and table in memory.
//
// The cache is written only by the multiplexer's delivery path (one writer per
// entity type) and read concurrently by everyone else. Writes are monotonic:
// a snapshot older than the one held is dropped, so out-of-order delivery from
// the upstream feed can never move an entity backwards.
package cache

import (
	"sync"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/model"
)

// Cache is an in-memory map per entity type from id to latest snapshot.
// Construct one with New and pass it to whoever needs it; there is no
// package-level instance.
type Cache struct {
	shards map[model.EntityType]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]model.Entity

	// tombstones remember the version at which an id was deleted so a late
	// insert or update cannot resurrect it.
	tombstones map[string]int64

	loading  bool
	buffered []feed.Change
}

// New creates an empty cache for every entity type.
func New() *Cache {
	c := &Cache{shards: make(map[model.EntityType]*shard, len(model.EntityTypes))}
	for _, t := range model.EntityTypes {
		c.shards[t] = &shard{
			items:      make(map[string]model.Entity),
			tombstones: make(map[string]int64),
		}
	}
	return c
}

// Apply folds one change into the cache. It reports whether the change altered
// the cache (false for stale, duplicate or buffered changes).
func (c *Cache) Apply(ch feed.Change) bool {
	s, ok := c.shards[ch.Table]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loading {
		s.buffered = append(s.buffered, ch)
		return false
	}
	return s.apply(ch)
}

// Stale reports whether ch is older than what the cache already holds for
// its row: a lower version than the stored snapshot, or no newer than a
// delete. Buffered changes are judged against the pre-load contents.
func (c *Cache) Stale(ch feed.Change) bool {
	s, ok := c.shards[ch.Table]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, version := ch.ID(), ch.Version()
	if tv, ok := s.tombstones[id]; ok && version <= tv && ch.Op != feed.OpDelete {
		return true
	}
	if cur, ok := s.items[id]; ok && version < cur.EntityVersion() {
		return true
	}
	return false
}

// apply is the monotonic fold. Caller holds s.mu.
func (s *shard) apply(ch feed.Change) bool {
	id := ch.ID()
	if id == "" {
		return false
	}
	version := ch.Version()

	if ch.Op == feed.OpDelete {
		if cur, ok := s.items[id]; ok && cur.EntityVersion() > version {
			return false
		}
		if tv, ok := s.tombstones[id]; !ok || version > tv {
			s.tombstones[id] = version
		}
		_, existed := s.items[id]
		delete(s.items, id)
		return existed
	}

	if ch.New == nil {
		return false
	}
	if tv, ok := s.tombstones[id]; ok && version <= tv {
		return false
	}
	if cur, ok := s.items[id]; ok && version < cur.EntityVersion() {
		return false
	}
	s.items[id] = ch.New
	return true
}

// Get returns the latest snapshot for id.
func (c *Cache) Get(t model.EntityType, id string) (model.Entity, bool) {
	s, ok := c.shards[t]
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return e, ok
}

// Order returns the cached order snapshot.
func (c *Cache) Order(id string) (model.Order, bool) {
	e, ok := c.Get(model.TypeOrder, id)
	if !ok {
		return model.Order{}, false
	}
	o, ok := e.(model.Order)
	return o, ok
}

// Line returns the cached order line snapshot.
func (c *Cache) Line(id string) (model.Line, bool) {
	e, ok := c.Get(model.TypeLine, id)
	if !ok {
		return model.Line{}, false
	}
	l, ok := e.(model.Line)
	return l, ok
}

// Table returns the cached table snapshot.
func (c *Cache) Table(id string) (model.Table, bool) {
	e, ok := c.Get(model.TypeTable, id)
	if !ok {
		return model.Table{}, false
	}
	tb, ok := e.(model.Table)
	return tb, ok
}

// Len returns the number of cached snapshots of type t.
func (c *Cache) Len(t model.EntityType) int {
	s, ok := c.shards[t]
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot returns a copy of every cached entity of type t.
func (c *Cache) Snapshot(t model.EntityType) []model.Entity {
	s, ok := c.shards[t]
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entity, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e)
	}
	return out
}

// BeginLoad opens a bulk load for t. Until BulkLoad is called, changes passed
// to Apply are buffered instead of applied.
func (c *Cache) BeginLoad(t model.EntityType) {
	s, ok := c.shards[t]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = true
	s.buffered = s.buffered[:0]
}

// BulkLoad replaces the contents for t with snapshots, then replays every
// change buffered since BeginLoad through the monotonic fold. It returns the
// number of buffered changes that were replayed.
//
// BulkLoad without a preceding BeginLoad is a plain seed.
func (c *Cache) BulkLoad(t model.EntityType, snapshots []model.Entity) int {
	s, ok := c.shards[t]
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]model.Entity, len(snapshots))
	s.tombstones = make(map[string]int64)
	for _, e := range snapshots {
		if cur, ok := s.items[e.EntityID()]; ok && cur.EntityVersion() > e.EntityVersion() {
			continue
		}
		s.items[e.EntityID()] = e
	}

	replayed := len(s.buffered)
	for _, ch := range s.buffered {
		s.apply(ch)
	}
	s.buffered = nil
	s.loading = false
	return replayed
}

// AbortLoad closes a load that could not complete. Buffered changes are applied
// on top of the current contents.
func (c *Cache) AbortLoad(t model.EntityType) {
	s, ok := c.shards[t]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.buffered {
		s.apply(ch)
	}
	s.buffered = nil
	s.loading = false
}
