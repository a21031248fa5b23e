// Package tilestore implements TileCache: the key→record map, the
// live/zombie two-tier retention split, and capacity-bound eviction.
package tilestore

import (
	"sync"

	"github.com/pspoerri/tilecache/internal/format"
	"github.com/pspoerri/tilecache/internal/logging"
	"github.com/pspoerri/tilecache/internal/record"
	"github.com/pspoerri/tilecache/internal/sysmem"
)

// CacheKey identifies the source content a tile payload was fetched for;
// equal keys imply interchangeable payloads (the cache key contract).
type CacheKey string

// Tile is the external tile contract TileCache consumes.
// Concrete tile types in a real viewer satisfy this by delegating most
// methods to viewer-owned state; MarkNeedsDraw typically forwards to the
// tile's owning TiledImage.
type Tile interface {
	CacheKey() CacheKey
	Level() int
	BeingDrawn() bool
	LastTouchTime() int64
	TiledImage() TiledImage
	Caches() []CacheKey
	Loaded() bool
	CacheSize() int
	Unload()
	MarkNeedsDraw()
}

// TiledImage is the external tiled-image contract.
type TiledImage interface {
	ZombieCache() bool
	Viewer() Viewer
}

// Viewer is the external event sink.
type Viewer interface {
	RaiseEvent(name string, payload any)
}

// TileUnloadedEvent is the payload of the "tile-unloaded" event raised
// on a TiledImage's Viewer.
type TileUnloadedEvent struct {
	Tile       Tile
	TiledImage TiledImage
	Destroyed  bool
}

// CacheTileOptions parameterizes TileCache.CacheTile.
type CacheTileOptions struct {
	Tile Tile
	// Key overrides Tile.CacheKey() for auxiliary cache keys. Zero value
	// means "use the tile's own primary key".
	Key      CacheKey
	Data     any
	DataType format.Format
	// Cutoff: tiles at or below this level are never evicted.
	Cutoff int
}

// Stats is a point-in-time snapshot for diagnostics and tests.
type Stats struct {
	Live      int
	Zombies   int
	Evictions int
}

// TileCache owns the key→record map and the capacity-bound eviction
// policy. The zero value is not usable; build one with NewTileCache.
type TileCache struct {
	mu sync.Mutex

	live    map[CacheKey]*record.CacheRecord
	zombies map[CacheKey]*record.CacheRecord

	// tilesLoaded is the eviction-candidate list: one entry per distinct
	// cache key a tile contributes payload size for.
	tilesLoaded []Tile

	capacity  int
	evictions int

	registry format.Registry
	log      logging.Logger
}

// NewTileCache builds a TileCache with the given steady-state capacity.
// capacity <= 0 defaults from system RAM.
func NewTileCache(capacity int, registry format.Registry, log logging.Logger) *TileCache {
	if log == nil {
		log = logging.Default()
	}
	if capacity <= 0 {
		capacity = sysmem.DefaultImageCacheCount(0, log)
	}
	return &TileCache{
		live:     make(map[CacheKey]*record.CacheRecord),
		zombies:  make(map[CacheKey]*record.CacheRecord),
		capacity: capacity,
		registry: registry,
		log:      log,
	}
}

// CacheTile installs or updates the record for opts.Key (or the tile's
// primary key), then runs the eviction pass.
func (c *TileCache) CacheTile(opts CacheTileOptions) *record.CacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheTileLocked(opts)
}

func (c *TileCache) cacheTileLocked(opts CacheTileOptions) *record.CacheRecord {
	if opts.Tile == nil {
		c.log.Error("tilestore: cacheTile called with no tile")
		return nil
	}
	key := opts.Key
	if key == "" {
		key = opts.Tile.CacheKey()
	}

	rec, ok := c.live[key]
	fromZombie := false
	if !ok {
		rec, ok = c.zombies[key]
		fromZombie = ok
	}

	if !ok {
		if isAbsent(opts.Data) {
			c.log.Error("tilestore: cacheTile called with no data for a new key", "key", key)
			return nil
		}
		rec = record.New(c.registry, c.log)
		c.live[key] = rec
	} else if fromZombie {
		rec.Revive()
		delete(c.zombies, key)
		c.live[key] = rec
	}

	dataType := opts.DataType
	if dataType == "" {
		dataType = c.registry.GuessType(opts.Data)
		c.log.Warn("tilestore: cacheTile called without an explicit data type, guessed", "key", key, "guessed", dataType)
	}

	rec.AddTile(opts.Tile, opts.Data, dataType)

	if key == opts.Tile.CacheKey() {
		opts.Tile.MarkNeedsDraw()
	}

	c.evictAndInsert(opts.Tile, opts.Cutoff)

	return rec
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	if b, ok := v.(bool); ok {
		return !b
	}
	return false
}

// evictAndInsert runs an eviction pass followed by insertion bookkeeping
// into tilesLoaded.
func (c *TileCache) evictAndInsert(tile Tile, cutoff int) {
	insertIdx := len(c.tilesLoaded)
	freedSlot := -1

	if len(c.live)+len(c.zombies) > c.capacity {
		if len(c.zombies) > 0 {
			for zk, zrec := range c.zombies {
				zrec.Destroy()
				delete(c.zombies, zk)
				c.evictions++
				break // any zombie; choice is implementation-defined.
			}
		} else if victimIdx, victim, found := c.pickLiveVictim(cutoff); found {
			c.unloadTileLocked(victim, true, -1)
			freedSlot = victimIdx
			c.evictions++
		}
	}

	if freedSlot >= 0 {
		insertIdx = freedSlot
	}

	switch {
	case tile.CacheSize() == 0:
		if insertIdx >= len(c.tilesLoaded) {
			c.tilesLoaded = append(c.tilesLoaded, tile)
		} else {
			c.tilesLoaded[insertIdx] = tile
		}
	case freedSlot >= 0:
		c.tilesLoaded = append(c.tilesLoaded[:freedSlot], c.tilesLoaded[freedSlot+1:]...)
	}
}

// pickLiveVictim scans tilesLoaded from the end toward the start,
// skipping tiles at or below cutoff or currently being drawn, and picks
// the one minimizing (lastTouchTime, -level) — oldest touch wins, ties
// broken by higher level.
func (c *TileCache) pickLiveVictim(cutoff int) (int, Tile, bool) {
	bestIdx := -1
	var best Tile
	for i := len(c.tilesLoaded) - 1; i >= 0; i-- {
		t := c.tilesLoaded[i]
		if t == nil {
			continue
		}
		if t.Level() <= cutoff || t.BeingDrawn() {
			continue
		}
		if bestIdx == -1 {
			bestIdx, best = i, t
			continue
		}
		if t.LastTouchTime() < best.LastTouchTime() ||
			(t.LastTouchTime() == best.LastTouchTime() && t.Level() > best.Level()) {
			bestIdx, best = i, t
		}
	}
	if bestIdx == -1 {
		return 0, nil, false
	}
	return bestIdx, best, true
}

// UnloadCacheForTile decouples one tile from one cache key.
func (c *TileCache) UnloadCacheForTile(tile Tile, key CacheKey, destroy bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unloadCacheForTileLocked(tile, key, destroy)
}

func (c *TileCache) unloadCacheForTileLocked(tile Tile, key CacheKey, destroy bool) bool {
	rec, ok := c.live[key]
	if !ok {
		c.log.Warn("tilestore: unloadCacheForTile found no live record", "key", key)
		return false
	}
	if !rec.RemoveTile(tile) {
		c.log.Error("tilestore: tile not present in record on removal", "key", key)
		return false
	}
	if rec.TileCount() == 0 {
		if destroy {
			rec.Destroy()
		} else {
			c.zombies[key] = rec
		}
		delete(c.live, key)
	}
	return true
}

// UnloadTile fully detaches a tile from every cache key it references.
func (c *TileCache) UnloadTile(tile Tile, destroy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unloadTileLocked(tile, destroy, -1)
}

func (c *TileCache) unloadTileLocked(tile Tile, destroy bool, deleteAtIndex int) {
	for _, key := range tile.Caches() {
		c.unloadCacheForTileLocked(tile, key, destroy)
	}
	if deleteAtIndex >= 0 && deleteAtIndex < len(c.tilesLoaded) {
		c.tilesLoaded = append(c.tilesLoaded[:deleteAtIndex], c.tilesLoaded[deleteAtIndex+1:]...)
	}
	tile.Unload()
	if ti := tile.TiledImage(); ti != nil {
		if v := ti.Viewer(); v != nil {
			v.RaiseEvent("tile-unloaded", TileUnloadedEvent{Tile: tile, TiledImage: ti, Destroyed: destroy})
		}
	}
}

// ClearTilesFor bulk-removes every tile owned by ti.
func (c *TileCache) ClearTilesFor(ti TiledImage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	overflow := len(c.live)+len(c.zombies) > c.capacity
	if !ti.ZombieCache() && overflow {
		for k, rec := range c.zombies {
			rec.Destroy()
			delete(c.zombies, k)
		}
		overflow = len(c.live)+len(c.zombies) > c.capacity
	}

	for i := len(c.tilesLoaded) - 1; i >= 0; i-- {
		t := c.tilesLoaded[i]
		if t == nil || t.TiledImage() != ti {
			continue
		}
		if !t.Loaded() {
			c.tilesLoaded = append(c.tilesLoaded[:i], c.tilesLoaded[i+1:]...)
			continue
		}
		destroy := !ti.ZombieCache() || overflow
		c.unloadTileLocked(t, destroy, i)
	}
}

// GetCacheRecord returns the live or zombie record for key, or nil.
func (c *TileCache) GetCacheRecord(key CacheKey) *record.CacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.live[key]; ok {
		return r
	}
	if r, ok := c.zombies[key]; ok {
		return r
	}
	return nil
}

// NumTilesLoaded returns len(tilesLoaded); a single tile may be counted
// more than once.
func (c *TileCache) NumTilesLoaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tilesLoaded)
}

// NumCachesLoaded returns the total live+zombie record count.
func (c *TileCache) NumCachesLoaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live) + len(c.zombies)
}

// Stats returns a point-in-time snapshot.
func (c *TileCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Live: len(c.live), Zombies: len(c.zombies), Evictions: c.evictions}
}
