// Package sysmem sizes the tile cache's default capacity from system RAM.
package sysmem

import (
	"runtime"

	"github.com/pspoerri/tilecache/internal/logging"
)

// DefaultBudgetFraction is the fraction of total RAM the cache may use by
// default, a conservative figure since this budget backs an in-process
// cache living alongside the rest of an application rather than a
// dedicated batch tool.
const DefaultBudgetFraction = 0.25

// MinImageCacheCount is returned when RAM detection fails or the computed
// budget would round down to an unusably small cache.
const MinImageCacheCount = 64

// DefaultImageCacheCount estimates a default cache capacity from a fraction
// of total system RAM, given the approximate in-memory size of one cached
// payload in bytes. Falls back to MinImageCacheCount if RAM can't be
// detected on this platform or the result would be smaller than that floor.
func DefaultImageCacheCount(tileBytes int64, log logging.Logger) int {
	if log == nil {
		log = logging.Default()
	}
	if tileBytes <= 0 {
		tileBytes = 256 * 256 * 4 // one decoded 256px RGBA tile
	}

	total, err := totalSystemRAM()
	if err != nil {
		log.Warn("sysmem: cannot detect system RAM, using floor capacity", "error", err, "floor", MinImageCacheCount)
		return MinImageCacheCount
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	overhead := m.Sys

	budget := int64(float64(total)*DefaultBudgetFraction) - int64(overhead)
	if budget <= 0 {
		return MinImageCacheCount
	}

	count := int(budget / tileBytes)
	if count < MinImageCacheCount {
		log.Info("sysmem: computed cache budget below floor", "computed", count, "floor", MinImageCacheCount)
		return MinImageCacheCount
	}
	return count
}
