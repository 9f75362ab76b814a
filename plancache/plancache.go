// Package plancache holds the bounded, TTL'd map from a CacheKey
// fingerprint to a materialized RoutePlan, with fresh/stale/miss status
// semantics: capacity-bounded with least-recently-used eviction, a fresh
// window followed by a stale-extend window before outright expiry.
package plancache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/labiium/edurouter-go/types"
)

type entry struct {
	plan         types.RoutePlan
	insertedAt   time.Time
	lastAccessed time.Time
	validUntil   *time.Time
	routeReason  *string
}

func (e *entry) expired(now time.Time, totalTTL time.Duration) bool {
	return now.Sub(e.insertedAt) > totalTTL
}

// Hit is the result of a successful (non-miss) lookup.
type Hit struct {
	Plan        types.RoutePlan
	Status      types.CacheStatus
	RouteReason *string
}

// Engine is the PlanCache.
type Engine struct {
	freshTTL   time.Duration
	totalTTL   time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[Key]*entry

	hits   int64
	misses int64
	stale  int64
}

// New builds a PlanCache. totalTTL = freshTTL + staleExtension, matching
// the design's "underlying bounded store evicts with TTL = fresh_ttl +
// stale_extension" rule.
func New(maxEntries int, freshTTL, staleExtension time.Duration) *Engine {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &Engine{
		freshTTL:   freshTTL,
		totalTTL:   freshTTL + staleExtension,
		maxEntries: maxEntries,
		entries:    make(map[Key]*entry),
	}
}

// Get looks up key. The bool return is false only on a true Miss; Hit and
// Stale both return true with the appropriate Status set.
func (e *Engine) Get(key Key) (Hit, bool) {
	now := time.Now()

	e.mu.Lock()
	ent, ok := e.entries[key]
	if ok && ent.expired(now, e.totalTTL) {
		delete(e.entries, key)
		ok = false
	}
	if ok {
		ent.lastAccessed = now
	}
	e.mu.Unlock()

	if !ok {
		atomic.AddInt64(&e.misses, 1)
		return Hit{}, false
	}

	status := types.CacheHit
	if now.Sub(ent.insertedAt) > e.freshTTL {
		status = types.CacheStale
	}
	if ent.validUntil != nil && !ent.validUntil.After(now) {
		status = types.CacheStale
	}

	if status == types.CacheStale {
		atomic.AddInt64(&e.stale, 1)
	} else {
		atomic.AddInt64(&e.hits, 1)
	}

	return Hit{Plan: ent.plan.Clone(), Status: status, RouteReason: ent.routeReason}, true
}

// Insert overwrites key unconditionally, evicting the least-recently-used
// entry first if the cache is at capacity.
func (e *Engine) Insert(key Key, plan types.RoutePlan, validUntil *time.Time, routeReason *string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.entries[key]; !exists && len(e.entries) >= e.maxEntries {
		e.evictLRULocked()
	}

	now := time.Now()
	e.entries[key] = &entry{
		plan:         plan,
		insertedAt:   now,
		lastAccessed: now,
		validUntil:   validUntil,
		routeReason:  routeReason,
	}
}

// evictLRULocked scans for the entry with the oldest lastAccessed time and
// removes it. Linear scan is acceptable here: eviction only triggers at
// capacity, and capacity is sized in the tens-of-thousands, not hot-path.
func (e *Engine) evictLRULocked() {
	var oldestKey Key
	var oldestTime time.Time
	first := true
	for k, v := range e.entries {
		if first || v.lastAccessed.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.lastAccessed
			first = false
		}
	}
	if !first {
		delete(e.entries, oldestKey)
	}
}

// Clear invalidates every entry. Called unconditionally on policy or
// catalog reload so the next lookup for any fingerprint is a Miss.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[Key]*entry)
}

// Stats is a snapshot of the cache's atomic counters, for GET /stats.
type Stats struct {
	Hits    int64
	Misses  int64
	Stale   int64
	Entries int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.entries)
	e.mu.Unlock()
	return Stats{
		Hits:    atomic.LoadInt64(&e.hits),
		Misses:  atomic.LoadInt64(&e.misses),
		Stale:   atomic.LoadInt64(&e.stale),
		Entries: n,
	}
}
