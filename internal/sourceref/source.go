// Package sourceref implements the Source / SourceRef / ElementSources data
// model for tracking source resolution and staging state.
package sourceref

import (
	"github.com/buildstream-core/bstcore/internal/cachekey"
	"github.com/buildstream-core/bstcore/internal/digest"
)

// Ref is a plugin-chosen opaque value (scalar, or nested list/map of
// scalars) that pins one source to one concrete version. It must be
// deterministic across hosts.
type Ref = any

// Source is (kind, config, ref, directory?). A source is resolved iff Ref
// is non-nil; only then may its cache key be computed.
type Source struct {
	Kind      string
	Config    any
	Ref       Ref
	Directory digest.Digest // set once staged into CAS
	staged    bool
}

// IsResolved reports whether the source has a pinned ref.
func (s *Source) IsResolved() bool { return s.Ref != nil }

// UniqueKey is the plugin-provided opaque value folded into the element
// configuration fingerprint; by convention it is (kind,
// config, ref).
func (s *Source) UniqueKey() any {
	return map[string]any{
		"kind":   s.Kind,
		"config": s.Config,
		"ref":    s.Ref,
	}
}

// MarkStaged records that this source's Directory digest has been computed
// and is valid to read.
func (s *Source) MarkStaged(d digest.Digest) {
	s.Directory = d
	s.staged = true
}

// Staged reports whether Directory is valid.
func (s *Source) Staged() bool { return s.staged }

// ElementSources is the ordered list of an element's sources plus their
// memoized composite cache key. It does not hold a digest of the composite
// staging tree.
type ElementSources struct {
	Sources []*Source

	key       string
	keyCached bool
}

// IsResolved reports whether every source in the list is resolved.
func (es *ElementSources) IsResolved() bool {
	for _, s := range es.Sources {
		if !s.IsResolved() {
			return false
		}
	}
	return true
}

// Key computes the composite cache key: hash of
// [ {kind, unique_key, directory?} for each source ].
// Once computed for a given source list shape it is memoized; callers must
// construct a new ElementSources if the source list itself changes.
func (es *ElementSources) Key() (string, error) {
	if es.keyCached {
		return es.key, nil
	}
	if !es.IsResolved() {
		return "", nil
	}
	entries := make([]map[string]any, 0, len(es.Sources))
	for _, s := range es.Sources {
		entry := map[string]any{
			"kind":       s.Kind,
			"unique_key": s.UniqueKey(),
		}
		if s.Staged() {
			entry["directory"] = s.Directory.String()
		}
		entries = append(entries, entry)
	}
	k, err := cachekey.Generate(entries)
	if err != nil {
		return "", err
	}
	es.key = k
	es.keyCached = true
	return k, nil
}
