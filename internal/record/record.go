// Package record implements CacheRecord: the container for one cached
// payload, its current format, and any in-flight format conversion.
package record

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pspoerri/tilecache/internal/format"
	"github.com/pspoerri/tilecache/internal/future"
	"github.com/pspoerri/tilecache/internal/logging"
)

// convertSem bounds the number of in-flight conversion edge chains across
// every CacheRecord in the process: per-record ordering only needs FIFO,
// but a real process shares a fixed pool of cores across however many
// records are converting at once, so this adds a process-wide ceiling on
// concurrent CPU-bound encode/decode work.
var convertSem = semaphore.NewWeighted(int64(2 * runtime.NumCPU()))

// SetConversionConcurrencyLimit overrides the process-wide conversion
// concurrency ceiling.
func SetConversionConcurrencyLimit(n int) {
	if n <= 0 {
		n = 1
	}
	convertSem = semaphore.NewWeighted(int64(n))
}

// Tile is the slice of the external tile contract that CacheRecord itself
// needs to invoke: the needs-draw side effect. internal/tilestore's Tile
// type satisfies this.
type Tile interface {
	MarkNeedsDraw()
}

type pendingOp struct {
	run func()
}

// CacheRecord holds one cached payload and coordinates asynchronous
// in-place format conversion for it. The zero value is not usable; build
// one with New.
type CacheRecord struct {
	mu sync.Mutex

	registry format.Registry
	log      logging.Logger

	payload   any
	curFormat format.Format
	loaded    bool
	destroyed bool

	tiles      []Tile
	ready      *future.Future[any]
	pendingOps []pendingOp
}

// New creates a fresh, empty CacheRecord ("[Fresh]" state).
func New(registry format.Registry, log logging.Logger) *CacheRecord {
	if log == nil {
		log = logging.Default()
	}
	return &CacheRecord{registry: registry, log: log}
}

// revive resets a fresh or destroyed record to empty state. Must not be
// called on a currently loaded record; callers destroy first.
func (r *CacheRecord) revive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		r.log.Error("record: revive called on a loaded record")
		return
	}
	r.tiles = nil
	r.payload = nil
	r.curFormat = ""
	r.loaded = false
	r.ready = nil
	r.destroyed = false
	r.pendingOps = nil
}

// Revive exposes revive to internal/tilestore, which is the only caller:
// it transitions a zombie record back to live.
func (r *CacheRecord) Revive() { r.revive() }

// AddTile attaches tile to this record, adopting (data, typ) as the
// initial payload if the record has no payload yet. A tile already
// attached is detached and reattached: the observable net effect is
// unchanged tileCount and no payload change.
func (r *CacheRecord) AddTile(tile Tile, data any, typ format.Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}

	for i, t := range r.tiles {
		if t == tile {
			r.tiles = append(r.tiles[:i], r.tiles[i+1:]...)
			break
		}
	}

	if !r.loaded {
		r.payload = data
		r.curFormat = typ
		r.loaded = true
		r.ready = future.Resolved[any](data)
	}
	r.tiles = append(r.tiles, tile)
}

// RemoveTile removes tile from the referring set, reporting whether it
// was present.
func (r *CacheRecord) RemoveTile(tile Tile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	for i, t := range r.tiles {
		if t == tile {
			r.tiles = append(r.tiles[:i], r.tiles[i+1:]...)
			return true
		}
	}
	return false
}

// TileCount returns the number of tiles currently referring to this
// record, or 0 if destroyed.
func (r *CacheRecord) TileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return 0
	}
	return len(r.tiles)
}

// CurrentFormat returns the record's current (or speculative target,
// mid-conversion) format tag.
func (r *CacheRecord) CurrentFormat() format.Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curFormat
}

// Loaded reports whether payload is present and consistent with format.
func (r *CacheRecord) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Destroyed reports the terminal lifecycle flag.
func (r *CacheRecord) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// GetData is GetDataAs(CurrentFormat(), copy=true).
func (r *CacheRecord) GetData() *future.Future[any] {
	return r.GetDataAs(r.CurrentFormat(), true)
}

// GetDataAs returns an eventual value for the payload in the given
// format
func (r *CacheRecord) GetDataAs(typ format.Format, copyOut bool) *future.Future[any] {
	r.mu.Lock()
	loaded := r.loaded && !r.destroyed
	cur := r.curFormat
	data := r.payload
	ready := r.ready
	r.mu.Unlock()

	if loaded && typ == cur {
		if !copyOut {
			return ready
		}
		return future.Go(func() any {
			out, err := r.registry.Copy(data, cur)
			if err != nil {
				r.log.Error("record: copy failed", "format", cur, "error", err)
				return nil
			}
			return out
		})
	}

	if ready == nil {
		return future.Resolved[any](nil)
	}

	return future.Go(func() any {
		val := future.Wait(ready)

		r.mu.Lock()
		destroyed := r.destroyed
		curFmt := r.curFormat
		r.mu.Unlock()
		if destroyed {
			return nil
		}

		if typ != curFmt {
			out, err := r.registry.Convert(val, curFmt, typ)
			if err != nil {
				r.log.Error("record: conversion failed in getDataAs", "from", curFmt, "to", typ, "error", err)
				return nil
			}
			return out
		}
		if copyOut {
			out, err := r.registry.Copy(val, curFmt)
			if err != nil {
				r.log.Error("record: copy failed", "format", curFmt, "error", err)
				return nil
			}
			return out
		}
		return val
	})
}

// SetDataAs overwrites the payload, returning an eventual for the
// previous payload value.
func (r *CacheRecord) SetDataAs(data any, typ format.Format) *future.Future[any] {
	r.mu.Lock()
	if len(r.pendingOps) > 0 {
		fut, resolve := future.New[any]()
		r.pendingOps = append(r.pendingOps, pendingOp{run: func() {
			resolve(r.overwriteData(data, typ))
		}})
		r.mu.Unlock()
		return fut
	}
	r.mu.Unlock()

	return future.Go(func() any {
		return r.overwriteData(data, typ)
	})
}

func (r *CacheRecord) overwriteData(data any, typ format.Format) any {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.registry.Destroy(data, typ)
		return nil
	}

	if r.loaded {
		oldData, oldFormat := r.payload, r.curFormat
		r.registry.Destroy(oldData, oldFormat)
		r.payload, r.curFormat = data, typ
		r.ready = future.Resolved[any](data)
		tiles := append([]Tile(nil), r.tiles...)
		r.mu.Unlock()
		r.fireNeedsDraw(tiles)
		return oldData
	}

	ready := r.ready
	r.mu.Unlock()

	var oldVal any
	if ready != nil {
		oldVal = future.Wait(ready)
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.registry.Destroy(data, typ)
		return nil
	}
	oldFormat := r.curFormat
	r.registry.Destroy(oldVal, oldFormat)
	r.payload, r.curFormat = data, typ
	r.loaded = true
	r.ready = future.Resolved[any](data)
	tiles := append([]Tile(nil), r.tiles...)
	r.mu.Unlock()
	r.fireNeedsDraw(tiles)
	return oldVal
}

func (r *CacheRecord) fireNeedsDraw(tiles []Tile) {
	for _, t := range tiles {
		t.MarkNeedsDraw()
	}
}

// TransformTo performs in-place conversion, returning an eventual for the
// converted value.
func (r *CacheRecord) TransformTo(typ format.Format) *future.Future[any] {
	r.mu.Lock()

	if r.loaded && typ == r.curFormat {
		ready := r.ready
		r.mu.Unlock()
		return ready
	}

	if !r.loaded {
		fut, resolve := future.New[any]()
		r.pendingOps = append(r.pendingOps, pendingOp{run: func() {
			resolve(r.drainTransform(typ))
		}})
		r.mu.Unlock()
		return fut
	}

	from := r.curFormat
	original := r.payload
	fut, resolve := future.New[any]()
	r.loaded = false
	r.payload = nil
	r.curFormat = typ
	r.ready = fut
	r.mu.Unlock()

	go func() {
		r.runConvertChain(from, typ, original, resolve)
		r.scheduleCheckAwaitsConvert()
	}()
	return fut
}

// drainTransform is the dequeued continuation of a TransformTo call that
// arrived while the record was unloaded. The ordering is preserved even
// for a same-format transform that could in principle short-circuit at
// enqueue time. Runs synchronously within the drain loop.
func (r *CacheRecord) drainTransform(typ format.Format) any {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	if r.loaded && typ == r.curFormat {
		ready := r.ready
		r.mu.Unlock()
		return future.Wait(ready)
	}
	if !r.loaded {
		// Another conversion is still draining ahead of us; nothing
		// sane to do but leave state untouched. Shouldn't occur given
		// the drain loop only ever runs one job at a time.
		r.mu.Unlock()
		r.log.Warn("record: drainTransform found record still unloaded")
		return nil
	}

	from := r.curFormat
	original := r.payload
	fut, resolve := future.New[any]()
	r.loaded = false
	r.payload = nil
	r.curFormat = typ
	r.ready = fut
	r.mu.Unlock()

	return r.runConvertChain(from, typ, original, resolve)
}

// runConvertChain is the engine of asynchronous conversion. Callers must
// have already transitioned the record into the unloaded/speculative-format
// state before invoking this.
func (r *CacheRecord) runConvertChain(from, to format.Format, original any, resolve func(any)) any {
	path, ok := r.registry.GetConversionPath(from, to)
	if !ok || len(path) == 0 {
		r.log.Error("record: no conversion path, record unchanged", "from", from, "to", to)
		r.mu.Lock()
		r.payload = original
		r.curFormat = from
		r.loaded = true
		r.mu.Unlock()
		resolve(original)
		return original
	}

	_ = convertSem.Acquire(context.Background(), 1)
	cur := original
	rolledBack := false
	for _, edge := range path {
		out, err := edge.Transform(cur)
		if err != nil || isFalsy(out) {
			r.log.Warn("record: conversion step failed, rolling back",
				"origin", edge.Origin, "target", edge.Target, "error", err)
			rolledBack = true
			break
		}
		r.registry.Destroy(cur, edge.Origin)
		cur = out
	}
	convertSem.Release(1)

	r.mu.Lock()
	var result any
	if rolledBack {
		r.payload = original
		r.curFormat = from
		result = original
	} else {
		r.payload = cur
		r.curFormat = to
		result = cur
	}
	r.loaded = true
	r.mu.Unlock()

	resolve(result)
	return result
}

func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case []byte:
		return len(x) == 0
	case bool:
		return !x
	default:
		return false
	}
}

// Await returns ready if present, else an immediately-resolved empty
// eventual.
func (r *CacheRecord) Await() *future.Future[any] {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready != nil {
		return ready
	}
	return future.Resolved[any](nil)
}

// Destroy releases the record.
func (r *CacheRecord) Destroy() {
	r.mu.Lock()
	r.pendingOps = nil
	r.destroyed = true

	if r.loaded {
		payload, typ := r.payload, r.curFormat
		r.payload = nil
		r.curFormat = ""
		r.loaded = false
		r.mu.Unlock()
		r.registry.Destroy(payload, typ)
		return
	}

	ready := r.ready
	r.loaded = false
	r.mu.Unlock()

	if ready == nil {
		return
	}

	go func() {
		val := future.Wait(ready)
		r.mu.Lock()
		stillDestroyed := r.destroyed
		settledFormat := r.curFormat
		r.mu.Unlock()
		if !stillDestroyed {
			return // revive() happened; record is live again.
		}
		// curFormat may have rolled back to the pre-conversion format while
		// ready was in flight, so it must be read after the wait, not
		// snapshotted before it, or the payload gets destroyed under the
		// wrong format tag.
		r.registry.Destroy(val, settledFormat)
		r.mu.Lock()
		if r.destroyed {
			r.payload = nil
			r.curFormat = ""
			r.loaded = false
			r.ready = nil
		}
		r.mu.Unlock()
	}()
}

// scheduleCheckAwaitsConvert defers one scheduler step before draining
// pendingOps. Go's goroutine scheduler gives no hard ordering guarantee
// the way a single-threaded microtask queue does; runtime.Gosched is a
// best-effort analogue, documented as such in DESIGN.md.
func (r *CacheRecord) scheduleCheckAwaitsConvert() {
	go func() {
		runtime.Gosched()
		r.checkAwaitsConvert()
	}()
}

func (r *CacheRecord) checkAwaitsConvert() {
	for {
		r.mu.Lock()
		if r.destroyed || len(r.pendingOps) == 0 {
			r.mu.Unlock()
			return
		}
		op := r.pendingOps[0]
		r.pendingOps = r.pendingOps[1:]
		r.mu.Unlock()

		op.run()
	}
}
