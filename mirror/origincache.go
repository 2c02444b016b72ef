// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"sync"
)

// OriginCacheRegistry keeps one DuplicateIdCache per origin broker, lazily
// created through the PostOffice on first sight of a new origin and sized
// to the link's negotiated credit window. A single handler goroutine owns
// one registry for the lifetime of its link.
type OriginCacheRegistry struct {
	office       PostOffice
	creditWindow int

	mu     sync.Mutex
	caches map[OriginId]DuplicateIdCache

	// lastOrigin/lastCache/lastValid are the one-slot memoization called
	// for in spec: most streams are single-origin, so remembering the most
	// recently resolved (origin, cache) pair avoids the map lookup on the
	// hot path (mu is still taken to read it). Deliberately a single field,
	// not a general LRU.
	lastOrigin OriginId
	lastCache  DuplicateIdCache
	lastValid  bool
}

// NewOriginCacheRegistry creates a registry that sizes every cache it
// creates to creditWindow entries, matching spec.md's invariant that a
// cache never needs to remember more in-flight messages than the link can
// have outstanding at once.
func NewOriginCacheRegistry(office PostOffice, creditWindow int) *OriginCacheRegistry {
	return &OriginCacheRegistry{
		office:       office,
		creditWindow: creditWindow,
		caches:       make(map[OriginId]DuplicateIdCache),
	}
}

// CacheFor returns the cache for origin, creating it via the PostOffice on
// first use. It checks the one-slot memo before the map, since a handler
// goroutine processing a single-origin stream hits the same origin on
// essentially every call.
func (r *OriginCacheRegistry) CacheFor(ctx context.Context, origin OriginId) (DuplicateIdCache, error) {
	r.mu.Lock()
	if r.lastValid && r.lastOrigin == origin {
		c := r.lastCache
		r.mu.Unlock()
		return c, nil
	}
	if c, ok := r.caches[origin]; ok {
		r.lastOrigin, r.lastCache, r.lastValid = origin, c, true
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	key := originCacheKey(origin)
	c, err := r.office.GetDuplicateIdCache(ctx, key, r.creditWindow)
	if err != nil {
		return nil, fmt.Errorf("mirror: resolving duplicate-id cache for origin %q: %w", origin, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.caches[origin]; ok {
		r.lastOrigin, r.lastCache, r.lastValid = origin, existing, true
		return existing, nil
	}
	r.caches[origin] = c
	r.lastOrigin, r.lastCache, r.lastValid = origin, c, true
	return c, nil
}

func originCacheKey(origin OriginId) string {
	return "mirror.dup_" + string(origin)
}

// IsDuplicate reports whether id has already been seen from origin.
func (r *OriginCacheRegistry) IsDuplicate(ctx context.Context, origin OriginId, id InternalId) (bool, error) {
	c, err := r.CacheFor(ctx, origin)
	if err != nil {
		return false, err
	}
	return c.Contains(id), nil
}

// Observe records id as seen from origin, tentatively, undone if tx rolls
// back.
func (r *OriginCacheRegistry) Observe(ctx context.Context, origin OriginId, id InternalId, tx Transaction) error {
	c, err := r.CacheFor(ctx, origin)
	if err != nil {
		return err
	}
	c.Add(ctx, id, tx)
	return nil
}

// inMemoryDuplicateIdCache is a fixed-capacity FIFO membership set that a
// PostOffice implementation can hand out from GetDuplicateIdCache when it
// has no durable cache of its own. OriginCacheRegistry always obtains its
// caches from the PostOffice and never creates one of these itself; mirror's
// own test fake post office is what uses it.
type inMemoryDuplicateIdCache struct {
	mu       sync.Mutex
	capacity int
	ring     []InternalId
	pos      int
	members  map[InternalId]struct{}
}

// NewInMemoryDuplicateIdCache returns a DuplicateIdCache backed by a plain
// in-process FIFO ring, evicting the oldest member once capacity is
// exceeded.
func NewInMemoryDuplicateIdCache(capacity int) DuplicateIdCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &inMemoryDuplicateIdCache{
		capacity: capacity,
		ring:     make([]InternalId, capacity),
		members:  make(map[InternalId]struct{}, capacity),
	}
}

func (c *inMemoryDuplicateIdCache) Contains(id InternalId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

func (c *inMemoryDuplicateIdCache) Add(_ context.Context, id InternalId, tx Transaction) {
	c.mu.Lock()
	added, evicted, hadEvicted := c.insertLocked(id)
	c.mu.Unlock()

	if !added {
		return
	}

	if tx == nil {
		return
	}
	tx.AddOperationWithRollback(nil, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.members, id)
		if hadEvicted {
			c.members[evicted] = struct{}{}
		}
	})
}

func (c *inMemoryDuplicateIdCache) insertLocked(id InternalId) (added bool, evicted InternalId, hadEvicted bool) {
	if _, ok := c.members[id]; ok {
		return false, 0, false
	}
	old := c.ring[c.pos]
	if old != 0 {
		if _, ok := c.members[old]; ok {
			delete(c.members, old)
			evicted, hadEvicted = old, true
		}
	}
	c.ring[c.pos] = id
	c.pos = (c.pos + 1) % c.capacity
	c.members[id] = struct{}{}
	return true, evicted, hadEvicted
}
