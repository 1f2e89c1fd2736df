package cas

import (
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/buildstream-core/bstcore/internal/digest"
)

// quotaTracker evicts the least-recently-used blobs once the local store
// exceeds quotaBytes. Eviction skips a digest while it is held through pin,
// which returns the matching release function. pin is unexported and
// nothing calls it, so in practice no digest is protected from eviction.
type quotaTracker struct {
	mu       sync.Mutex
	cache    *lru.LRU[string, digest.Digest]
	root     string
	quota    int64
	used     int64
	pinCount map[string]int
}

func newQuotaTracker(root string, quotaBytes int64) (*quotaTracker, error) {
	qt := &quotaTracker{root: root, quota: quotaBytes, pinCount: map[string]int{}}
	cache, err := lru.NewLRU[string, digest.Digest](1<<20, func(key string, d digest.Digest) {
		// onEvict is only invoked by cache.Add's automatic size-based
		// eviction; our own evictUntilUnderQuota drives real deletions so
		// that a pinned digest is skipped instead of evicted.
	})
	if err != nil {
		return nil, err
	}
	qt.cache = cache

	// Seed the tracker and `used` counter from what's already on disk so a
	// restart doesn't forget quota usage.
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		qt.used += info.Size()
		return nil
	})
	return qt, nil
}

func (qt *quotaTracker) touch(d digest.Digest) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	qt.cache.Add(d.String(), d)
}

func (qt *quotaTracker) add(d digest.Digest) {
	qt.mu.Lock()
	qt.cache.Add(d.String(), d)
	qt.used += d.Size
	qt.mu.Unlock()
	qt.evictUntilUnderQuota()
}

// pin prevents d from being evicted while held, for the duration of an
// in-session transaction (e.g. a sandbox run that needs its staged inputs
// to survive a concurrent pull's eviction pass).
func (qt *quotaTracker) pin(d digest.Digest) func() {
	qt.mu.Lock()
	qt.pinCount[d.String()]++
	qt.mu.Unlock()
	return func() {
		qt.mu.Lock()
		qt.pinCount[d.String()]--
		if qt.pinCount[d.String()] <= 0 {
			delete(qt.pinCount, d.String())
		}
		qt.mu.Unlock()
	}
}

func (qt *quotaTracker) evictUntilUnderQuota() {
	for {
		qt.mu.Lock()
		if qt.used <= qt.quota {
			qt.mu.Unlock()
			return
		}
		key, d, ok := qt.cache.RemoveOldest()
		if !ok {
			qt.mu.Unlock()
			return
		}
		if qt.pinCount[key] > 0 {
			// Pinned: put it back and stop trying this pass rather than
			// evicting something newer out of order.
			qt.cache.Add(key, d)
			qt.mu.Unlock()
			return
		}
		qt.mu.Unlock()

		dir, rest := d.ShardPath()
		path := filepath.Join(qt.root, dir, rest)
		if err := os.Remove(path); err != nil {
			continue
		}
		qt.mu.Lock()
		qt.used -= d.Size
		qt.mu.Unlock()
	}
}
