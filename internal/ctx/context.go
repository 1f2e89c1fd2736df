// Package ctx assembles one invocation's shared state: the element and
// source arenas, the cache facades, the scheduler, and a single-writer
// guard (RunExclusive/AssertExclusive).
package ctx

import (
	"sync"
	"sync/atomic"

	"github.com/buildstream-core/bstcore/internal/artifactcache"
	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/digest"
	"github.com/buildstream-core/bstcore/internal/element"
	"github.com/buildstream-core/bstcore/internal/scheduler"
	"github.com/buildstream-core/bstcore/internal/sourcecache"
	"github.com/buildstream-core/bstcore/internal/sourceref"
	"github.com/buildstream-core/bstcore/internal/statemachine"
)

// Context is the root object one bstcored invocation builds once at
// startup and threads through every subsystem.
type Context struct {
	Elements      *element.Arena
	States        *statemachine.Machine
	CAS           *cas.Store
	SourceCache   *sourcecache.Cache
	ArtifactCache *artifactcache.Cache
	Scheduler     *scheduler.Scheduler

	mu      sync.RWMutex
	sources map[element.Id]*sourceref.ElementSources

	// redundantRefs short-circuits re-staging a source tree that's
	// already been staged once this session under the same composite
	// key, even when a different element also depends on that identical
	// (kind, unique_key, directory) tuple.
	redundantMu   sync.Mutex
	redundantRefs map[string]digest.Digest

	writerActive atomic.Bool
}

// New builds a Context over a freshly created element arena.
func New(store *cas.Store, sourceCache *sourcecache.Cache, artifactCache *artifactcache.Cache) *Context {
	arena := element.NewArena()
	return &Context{
		Elements:      arena,
		States:        statemachine.New(arena),
		CAS:           store,
		SourceCache:   sourceCache,
		ArtifactCache: artifactCache,
		Scheduler:     scheduler.New(),
		sources:       map[element.Id]*sourceref.ElementSources{},
		redundantRefs: map[string]digest.Digest{},
	}
}

// SetSources records id's resolved source list.
func (c *Context) SetSources(id element.Id, sources *sourceref.ElementSources) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = sources
}

// Sources returns id's source list, if any has been recorded.
func (c *Context) Sources(id element.Id) (*sourceref.ElementSources, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[id]
	return s, ok
}

// StagedSourceTree returns the tree digest previously recorded for
// sourceKey, or false if this is the first time it's been requested this
// session.
func (c *Context) StagedSourceTree(sourceKey string) (digest.Digest, bool) {
	c.redundantMu.Lock()
	defer c.redundantMu.Unlock()
	d, ok := c.redundantRefs[sourceKey]
	return d, ok
}

// RecordStagedSourceTree remembers that sourceKey now stages to tree, so a
// later element with the identical source closure can reuse it without
// re-staging.
func (c *Context) RecordStagedSourceTree(sourceKey string, tree digest.Digest) {
	c.redundantMu.Lock()
	defer c.redundantMu.Unlock()
	c.redundantRefs[sourceKey] = tree
}

// RunExclusive runs fn under the single-writer guard: only one call can be
// in flight across the whole Context at a time. It panics on reentrant
// misuse rather than deadlocking, since a reentrant call here is always a
// programming error, not contention to wait out.
func (c *Context) RunExclusive(fn func() error) error {
	if !c.writerActive.CompareAndSwap(false, true) {
		panic("ctx: RunExclusive called while another exclusive section is active")
	}
	defer c.writerActive.Store(false)
	return fn()
}

// AssertExclusive panics if called from outside a RunExclusive section.
// Context's own mutating methods (SetSources, RecordStagedSourceTree) do
// not call it; they are guarded by their own mutexes only.
func (c *Context) AssertExclusive() {
	if !c.writerActive.Load() {
		panic("ctx: called outside of a RunExclusive section")
	}
}
