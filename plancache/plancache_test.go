package plancache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labiium/edurouter-go/types"
)

func TestEngineMissThenHit(t *testing.T) {
	e := New(10, 50*time.Millisecond, 100*time.Millisecond)
	key := Key(42)

	_, found := e.Get(key)
	assert.False(t, found)

	plan := types.RoutePlan{RouteID: "r1"}
	e.Insert(key, plan, nil, nil)

	hit, found := e.Get(key)
	require.True(t, found)
	assert.Equal(t, types.CacheHit, hit.Status)
	assert.Equal(t, "r1", hit.Plan.RouteID)
}

func TestEngineGoesStaleThenExpires(t *testing.T) {
	e := New(10, 20*time.Millisecond, 20*time.Millisecond)
	key := Key(1)
	e.Insert(key, types.RoutePlan{RouteID: "r1"}, nil, nil)

	time.Sleep(30 * time.Millisecond)
	hit, found := e.Get(key)
	require.True(t, found)
	assert.Equal(t, types.CacheStale, hit.Status)

	time.Sleep(30 * time.Millisecond)
	_, found = e.Get(key)
	assert.False(t, found)
}

func TestEngineValidUntilForcesStale(t *testing.T) {
	e := New(10, time.Hour, time.Hour)
	past := time.Now().Add(-time.Second)
	e.Insert(Key(1), types.RoutePlan{RouteID: "r1"}, &past, nil)

	hit, found := e.Get(Key(1))
	require.True(t, found)
	assert.Equal(t, types.CacheStale, hit.Status)
}

func TestEngineEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	e := New(2, time.Hour, time.Hour)
	e.Insert(Key(1), types.RoutePlan{RouteID: "r1"}, nil, nil)
	time.Sleep(time.Millisecond)
	e.Insert(Key(2), types.RoutePlan{RouteID: "r2"}, nil, nil)

	// Touch key 1 so it is more recently used than key 2, then insert a
	// third key at capacity: key 2, not key 1, must be evicted.
	time.Sleep(time.Millisecond)
	_, found := e.Get(Key(1))
	require.True(t, found)

	time.Sleep(time.Millisecond)
	e.Insert(Key(3), types.RoutePlan{RouteID: "r3"}, nil, nil)

	_, found = e.Get(Key(2))
	assert.False(t, found, "least-recently-used entry should have been evicted")

	_, found = e.Get(Key(1))
	assert.True(t, found)

	_, found = e.Get(Key(3))
	assert.True(t, found)
}

func TestEngineClearInvalidatesEverything(t *testing.T) {
	e := New(10, time.Hour, time.Hour)
	e.Insert(Key(1), types.RoutePlan{RouteID: "r1"}, nil, nil)
	e.Clear()

	_, found := e.Get(Key(1))
	assert.False(t, found)
}

func TestStatsCounters(t *testing.T) {
	e := New(10, time.Hour, time.Hour)
	e.Get(Key(1))
	e.Insert(Key(1), types.RoutePlan{RouteID: "r1"}, nil, nil)
	e.Get(Key(1))

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}
