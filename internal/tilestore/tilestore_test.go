package tilestore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pspoerri/tilecache/internal/format"
	"github.com/pspoerri/tilecache/internal/future"
	"github.com/stretchr/testify/require"
)

// identityRegistry is a registry fixture with no conversion edges except
// those a test registers with addEdge. GuessType always answers "raw",
// Copy returns its input unchanged, and Destroy records every released
// string payload so tests can inspect it.
type identityRegistry struct {
	mu        sync.Mutex
	destroyed []string
	edges     map[[2]format.Format]format.Edge
}

func newIdentityRegistry() *identityRegistry {
	return &identityRegistry{edges: make(map[[2]format.Format]format.Edge)}
}

func (r *identityRegistry) addEdge(from, to format.Format) {
	r.edges[[2]format.Format{from, to}] = format.Edge{
		Origin: from,
		Target: to,
		Transform: func(data any) (any, error) {
			s, _ := data.(string)
			return s + "->" + string(to), nil
		},
	}
}

func (r *identityRegistry) GetConversionPath(from, to format.Format) ([]format.Edge, bool) {
	if from == to {
		return nil, true
	}
	if e, ok := r.edges[[2]format.Format{from, to}]; ok {
		return []format.Edge{e}, true
	}
	return nil, false
}

func (r *identityRegistry) Convert(data any, from, to format.Format) (any, error) {
	path, ok := r.GetConversionPath(from, to)
	if !ok {
		return nil, fmt.Errorf("no path")
	}
	cur := data
	for _, e := range path {
		out, err := e.Transform(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

func (r *identityRegistry) Copy(data any, typ format.Format) (any, error) { return data, nil }

func (r *identityRegistry) Destroy(data any, typ format.Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := data.(string)
	r.destroyed = append(r.destroyed, s)
}

func (r *identityRegistry) GuessType(data any) format.Format { return "raw" }

func (r *identityRegistry) destroyedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroyed...)
}

type fakeViewer struct {
	mu     sync.Mutex
	events []TileUnloadedEvent
}

func (v *fakeViewer) RaiseEvent(name string, payload any) {
	if name != "tile-unloaded" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, payload.(TileUnloadedEvent))
}

func (v *fakeViewer) eventCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.events)
}

type fakeTiledImage struct {
	zombieCache bool
	viewer      *fakeViewer
	needsDraw   bool
}

func (ti *fakeTiledImage) ZombieCache() bool { return ti.zombieCache }
func (ti *fakeTiledImage) Viewer() Viewer    { return ti.viewer }

type fakeTileImpl struct {
	mu            sync.Mutex
	key           CacheKey
	level         int
	beingDrawn    bool
	lastTouch     int64
	tiledImage    *fakeTiledImage
	caches        []CacheKey
	loaded        bool
	cacheSize     int
	unloaded      bool
	needsDrawHits int
}

func newFakeTile(key CacheKey, level int, lastTouch int64, ti *fakeTiledImage) *fakeTileImpl {
	return &fakeTileImpl{key: key, level: level, lastTouch: lastTouch, tiledImage: ti, caches: []CacheKey{key}, loaded: true}
}

func (t *fakeTileImpl) CacheKey() CacheKey         { return t.key }
func (t *fakeTileImpl) Level() int                 { return t.level }
func (t *fakeTileImpl) BeingDrawn() bool           { return t.beingDrawn }
func (t *fakeTileImpl) LastTouchTime() int64       { return t.lastTouch }
func (t *fakeTileImpl) TiledImage() TiledImage     { return t.tiledImage }
func (t *fakeTileImpl) Caches() []CacheKey         { return t.caches }
func (t *fakeTileImpl) Loaded() bool               { return t.loaded }
func (t *fakeTileImpl) CacheSize() int             { return t.cacheSize }
func (t *fakeTileImpl) Unload()                    { t.unloaded = true }
func (t *fakeTileImpl) MarkNeedsDraw() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.needsDrawHits++
	if t.tiledImage != nil {
		t.tiledImage.needsDraw = true
	}
}

func newHarness(capacity int) (*TileCache, *identityRegistry, *fakeTiledImage) {
	reg := newIdentityRegistry()
	ti := &fakeTiledImage{zombieCache: true, viewer: &fakeViewer{}}
	cache := NewTileCache(capacity, reg, nil)
	return cache, reg, ti
}

func TestCacheTileBasicCache(t *testing.T) {
	cache, _, ti := newHarness(3)
	tile := newFakeTile("A", 1, 10, ti)

	rec := cache.CacheTile(CacheTileOptions{Tile: tile, Data: "D1", DataType: "raw"})

	require.NotNil(t, rec)
	require.Equal(t, 1, cache.NumCachesLoaded())
	require.Equal(t, 1, rec.TileCount())
	require.Equal(t, "D1", future.Wait(rec.GetDataAs("raw", false)))
}

func TestCacheTileSharedKeyReusesRecord(t *testing.T) {
	cache, _, ti := newHarness(3)
	t1 := newFakeTile("A", 1, 10, ti)
	t2 := newFakeTile("A", 1, 11, ti)

	cache.CacheTile(CacheTileOptions{Tile: t1, Data: "D1", DataType: "raw"})
	rec := cache.CacheTile(CacheTileOptions{Tile: t2, Data: "D2", DataType: "raw"})

	require.Equal(t, 1, cache.NumCachesLoaded())
	require.Equal(t, 2, rec.TileCount())
	require.Equal(t, "D1", future.Wait(rec.GetDataAs("raw", false)))
}

func TestCacheTileZombieThenRevive(t *testing.T) {
	cache, _, ti := newHarness(3)
	t1 := newFakeTile("A", 1, 10, ti)
	t2 := newFakeTile("A", 1, 11, ti)
	cache.CacheTile(CacheTileOptions{Tile: t1, Data: "D1", DataType: "raw"})
	cache.CacheTile(CacheTileOptions{Tile: t2, Data: "D2", DataType: "raw"})

	cache.UnloadTile(t1, false)
	cache.UnloadTile(t2, false)

	stats := cache.Stats()
	require.Equal(t, 0, stats.Live)
	require.Equal(t, 1, stats.Zombies)

	t3 := newFakeTile("A", 1, 12, ti)
	rec := cache.CacheTile(CacheTileOptions{Tile: t3, Data: "D3", DataType: "raw"})

	require.Equal(t, 1, rec.TileCount())
	require.Equal(t, "D1", future.Wait(rec.GetDataAs("raw", false)))
	stats = cache.Stats()
	require.Equal(t, 1, stats.Live)
	require.Equal(t, 0, stats.Zombies)
}

func TestCacheTileZombiePreferredOverLiveEviction(t *testing.T) {
	cache, _, ti := newHarness(3)

	a1 := newFakeTile("A", 1, 10, ti)
	b1 := newFakeTile("B", 2, 11, ti)
	c1 := newFakeTile("C", 3, 12, ti)
	cache.CacheTile(CacheTileOptions{Tile: a1, Data: "DA", DataType: "raw"})
	cache.CacheTile(CacheTileOptions{Tile: b1, Data: "DB", DataType: "raw"})
	cache.CacheTile(CacheTileOptions{Tile: c1, Data: "DC", DataType: "raw"})

	// Zombie out key A without destroying, so we have 2 live + 1 zombie.
	cache.UnloadTile(a1, false)
	require.Equal(t, 2, cache.Stats().Live)
	require.Equal(t, 1, cache.Stats().Zombies)

	d1 := newFakeTile("D", 4, 13, ti)
	cache.CacheTile(CacheTileOptions{Tile: d1, Data: "DD", DataType: "raw"})

	stats := cache.Stats()
	require.Equal(t, 0, stats.Zombies, "zombie must be evicted before any live tile")
	require.Equal(t, 3, stats.Live)
	require.Equal(t, 1, stats.Evictions)
	// B and C (the original live tiles) must still be present.
	require.NotNil(t, cache.GetCacheRecord("B"))
	require.NotNil(t, cache.GetCacheRecord("C"))
	require.NotNil(t, cache.GetCacheRecord("D"))
}

func TestCacheTileLRUWithLevelTiebreak(t *testing.T) {
	cache, _, ti := newHarness(3)

	a := newFakeTile("A", 2, 10, ti)
	b := newFakeTile("B", 5, 10, ti)
	c := newFakeTile("C", 2, 20, ti)
	cache.CacheTile(CacheTileOptions{Tile: a, Data: "DA", DataType: "raw", Cutoff: 0})
	cache.CacheTile(CacheTileOptions{Tile: b, Data: "DB", DataType: "raw", Cutoff: 0})
	cache.CacheTile(CacheTileOptions{Tile: c, Data: "DC", DataType: "raw", Cutoff: 0})

	d := newFakeTile("D", 3, 30, ti)
	cache.CacheTile(CacheTileOptions{Tile: d, Data: "DD", DataType: "raw", Cutoff: 0})

	// (10, level 5) must be the evicted tile: oldest touch, tiebreak higher level.
	require.Nil(t, cache.GetCacheRecord("B"))
	require.NotNil(t, cache.GetCacheRecord("A"))
	require.NotNil(t, cache.GetCacheRecord("C"))
	require.NotNil(t, cache.GetCacheRecord("D"))
}

func TestCacheTileConversionQueueingAgainstOverwrite(t *testing.T) {
	cache, reg, ti := newHarness(3)
	reg.addEdge("A", "B")
	tile := newFakeTile("A", 1, 10, ti)
	rec := cache.CacheTile(CacheTileOptions{Tile: tile, Data: "D1", DataType: "A"})

	convertFut := rec.TransformTo("B")
	overwriteFut := rec.SetDataAs("D2", "C")

	future.Wait(convertFut)
	future.Wait(overwriteFut)

	require.Equal(t, format.Format("C"), rec.CurrentFormat())
	require.Equal(t, "D2", future.Wait(rec.GetDataAs("C", false)))
	require.Contains(t, reg.destroyedList(), "D1->B")
}

func TestUnloadCacheForTileConsistencyError(t *testing.T) {
	cache, _, ti := newHarness(3)
	tile := newFakeTile("A", 1, 10, ti)
	cache.CacheTile(CacheTileOptions{Tile: tile, Data: "D1", DataType: "raw"})

	other := newFakeTile("A", 1, 10, ti)
	ok := cache.UnloadCacheForTile(other, "A", false)
	require.False(t, ok)
}

func TestClearTilesForDestroysWhenZombieCacheDisabled(t *testing.T) {
	cache, _, ti := newHarness(3)
	ti.zombieCache = false
	tile := newFakeTile("A", 1, 10, ti)
	cache.CacheTile(CacheTileOptions{Tile: tile, Data: "D1", DataType: "raw"})

	cache.ClearTilesFor(ti)

	require.Nil(t, cache.GetCacheRecord("A"))
	require.True(t, tile.unloaded)
	require.Equal(t, 1, ti.viewer.eventCount())
}

func TestInvariantLiveZombieDisjoint(t *testing.T) {
	cache, _, ti := newHarness(3)
	t1 := newFakeTile("A", 1, 10, ti)
	cache.CacheTile(CacheTileOptions{Tile: t1, Data: "D1", DataType: "raw"})
	cache.UnloadTile(t1, false)

	stats := cache.Stats()
	_, inLive := cache.live["A"]
	_, inZombie := cache.zombies["A"]
	require.False(t, inLive)
	require.True(t, inZombie)
	require.Equal(t, 0, stats.Live)
}
