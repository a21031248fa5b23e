// Command tilecachedemo drives internal/tilestore.TileCache and
// internal/record.CacheRecord through a synthetic viewport pan over a
// geographic bounding box: a small flag-parsed CLI standing in for a real
// viewer's fetch/draw loop.
package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"math/rand"
	"sync"

	"github.com/pspoerri/tilecache/internal/coord"
	"github.com/pspoerri/tilecache/internal/format"
	"github.com/pspoerri/tilecache/internal/logging"
	"github.com/pspoerri/tilecache/internal/progressbar"
	"github.com/pspoerri/tilecache/internal/tilestore"
)

func main() {
	zoom := flag.Int("zoom", 6, "zoom level to synthesize tiles at")
	viewportTiles := flag.Int("viewport", 12, "tiles visible per simulated viewport")
	panSteps := flag.Int("pan-steps", 40, "number of viewport pan steps to simulate")
	capacity := flag.Int("capacity", 64, "maxImageCacheCount; <=0 sizes from system RAM")
	quality := flag.Int("quality", 85, "lossy encoder quality (1-100)")
	convertTo := flag.String("convert-to", "webp", "format every tile is converted to after caching")
	minLon := flag.Float64("min-lon", -20, "west edge of the pan area, in WGS84 degrees")
	minLat := flag.Float64("min-lat", 30, "south edge of the pan area, in WGS84 degrees")
	maxLon := flag.Float64("max-lon", 40, "east edge of the pan area, in WGS84 degrees")
	maxLat := flag.Float64("max-lat", 65, "north edge of the pan area, in WGS84 degrees")
	flag.Parse()

	logging.SetDefault(logging.NewFromEnv())
	logr := logging.Default()

	registry := format.NewDefaultRegistry(format.DefaultRegistryConfig{Quality: *quality, Logger: logr})
	cache := tilestore.NewTileCache(*capacity, registry, logr)

	allTiles := coord.TilesInBounds(*zoom, *minLon, *minLat, *maxLon, *maxLat)
	coord.SortTilesByHilbert(allTiles)

	viewer := &demoViewer{log: logr}
	tiledImage := &demoTiledImage{zombieCache: true, viewer: viewer}

	total := int64(*panSteps) * int64(*viewportTiles)
	bar := progressbar.New("panning", total)

	var wg sync.WaitGroup
	touch := int64(0)
	pos := 0
	var prevViewport []*demoTile
	for step := 0; step < *panSteps; step++ {
		var viewportTilesAt []*demoTile
		for i := 0; i < *viewportTiles && pos < len(allTiles); i++ {
			xyz := allTiles[pos]
			pos++
			touch++
			key := tilestore.CacheKey(fmt.Sprintf("%d/%d/%d", xyz[0], xyz[1], xyz[2]))
			t := &demoTile{key: key, level: xyz[0], lastTouch: touch, tiledImage: tiledImage}
			viewportTilesAt = append(viewportTilesAt, t)

			wg.Add(1)
			go func(t *demoTile) {
				defer wg.Done()
				defer bar.Increment()
				data := syntheticRGBA()
				rec := cache.CacheTile(tilestore.CacheTileOptions{
					Tile:     t,
					Data:     data,
					DataType: format.RGBA,
					Cutoff:   0,
				})
				if rec == nil {
					return
				}
				rec.TransformTo(format.Format(*convertTo))
			}(t)
		}
		// Tiles that scroll out of view are unloaded as zombies, not
		// destroyed, the way a viewer drops off-screen tiles but keeps
		// their payload cheaply reachable for a pan-back.
		if step >= 3 {
			for _, t := range prevViewport {
				cache.UnloadTile(t, false)
			}
		}
		prevViewport = viewportTilesAt
	}
	wg.Wait()
	bar.Finish()

	stats := cache.Stats()
	log.Printf("done: live=%d zombies=%d evictions=%d tilesLoaded=%d",
		stats.Live, stats.Zombies, stats.Evictions, cache.NumTilesLoaded())
}

func syntheticRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	rand.Read(img.Pix)
	return img
}

type demoViewer struct {
	log logging.Logger
}

func (v *demoViewer) RaiseEvent(name string, payload any) {
	v.log.Debug("viewer event", "name", name)
}

type demoTiledImage struct {
	zombieCache bool
	viewer      *demoViewer
	needsDraw   bool
}

func (ti *demoTiledImage) ZombieCache() bool       { return ti.zombieCache }
func (ti *demoTiledImage) Viewer() tilestore.Viewer { return ti.viewer }

type demoTile struct {
	mu         sync.Mutex
	key        tilestore.CacheKey
	level      int
	lastTouch  int64
	tiledImage *demoTiledImage
	beingDrawn bool
	cacheSize  int
}

func (t *demoTile) CacheKey() tilestore.CacheKey           { return t.key }
func (t *demoTile) Level() int                             { return t.level }
func (t *demoTile) BeingDrawn() bool                       { return t.beingDrawn }
func (t *demoTile) LastTouchTime() int64                   { return t.lastTouch }
func (t *demoTile) TiledImage() tilestore.TiledImage        { return t.tiledImage }
func (t *demoTile) Caches() []tilestore.CacheKey            { return []tilestore.CacheKey{t.key} }
func (t *demoTile) Loaded() bool                            { return true }
func (t *demoTile) CacheSize() int                          { return t.cacheSize }
func (t *demoTile) Unload()                                 {}
func (t *demoTile) MarkNeedsDraw() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tiledImage != nil {
		t.tiledImage.needsDraw = true
	}
}
