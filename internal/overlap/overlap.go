// Package overlap implements the staging overlap collector: when more than
// one element stages a file to the same path in a composed tree, it is an
// overlap unless the path is whitelisted.
package overlap

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/buildstream-core/bstcore/internal/errkind"
)

// Record is one detected overlap.
type Record struct {
	Path          string
	Element       string
	PreviousOwner string
	// External is true when PreviousOwner refers to an element staged in
	// an earlier, separate session (e.g. a cached artifact reused across
	// invocations) rather than another element staged in this run.
	External bool
}

// Collector tracks which element last staged each path in the tree being
// composed, classifying repeat claims as overlaps unless whitelisted.
type Collector struct {
	whitelist     []string
	fatalWarnings bool

	mu       sync.Mutex
	owner    map[string]string
	external map[string]string
	overlaps []Record
}

// NewCollector returns a Collector. whitelist entries are filepath.Match
// glob patterns naming paths that may always be overlapped; fatalWarnings
// makes any non-whitelisted overlap a hard error at Claim time instead of
// merely being recorded.
func NewCollector(whitelist []string, fatalWarnings bool) *Collector {
	return &Collector{
		whitelist:     whitelist,
		fatalWarnings: fatalWarnings,
		owner:         map[string]string{},
		external:      map[string]string{},
	}
}

// SeedExternal records that path was already staged by previousOwner in an
// earlier session, before any in-session Claim calls begin. Used to
// surface overlaps against a reused cached artifact tree.
func (c *Collector) SeedExternal(path, previousOwner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.external[filepath.Clean(path)] = previousOwner
}

// Claim records that element is staging path. If path was already claimed
// by a different element this session, or was seeded as externally owned,
// and path does not match the whitelist, an overlap is recorded. When
// fatalWarnings is set this also returns an OVERLAP errkind.Error so the
// caller can abort the compose step immediately.
func (c *Collector) Claim(element, path string) error {
	clean := filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	whitelisted := c.matchesWhitelist(clean)

	if prev, ok := c.owner[clean]; ok && prev != element {
		return c.recordLocked(Record{Path: clean, Element: element, PreviousOwner: prev}, whitelisted)
	}
	if prev, ok := c.external[clean]; ok {
		return c.recordLocked(Record{Path: clean, Element: element, PreviousOwner: prev, External: true}, whitelisted)
	}

	c.owner[clean] = element
	return nil
}

func (c *Collector) recordLocked(r Record, whitelisted bool) error {
	c.owner[r.Path] = r.Element
	if whitelisted {
		return nil
	}
	c.overlaps = append(c.overlaps, r)
	if c.fatalWarnings {
		return errkind.Overlap("staging overlap", fmtOverlap(r))
	}
	return nil
}

func fmtOverlap(r Record) string {
	if r.External {
		return r.Path + ": previously staged by " + r.PreviousOwner + " in an earlier session, now by " + r.Element
	}
	return r.Path + ": staged by both " + r.PreviousOwner + " and " + r.Element
}

func (c *Collector) matchesWhitelist(path string) bool {
	for _, pattern := range c.whitelist {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// Overlaps returns every recorded overlap, sorted by path for stable
// reporting.
func (c *Collector) Overlaps() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]Record(nil), c.overlaps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
