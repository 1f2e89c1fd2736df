package cachekey

// DepRef is one entry in a dependency list fed into the weak/strict key
// calculation: either just the dependency's identity, or its identity plus
// one of its own keys.
type DepRef struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Key     string `json:"key,omitempty"`
}

// WeakKey computes an element's weak cache key: stable under content
// changes of build dependencies unless the dependency is strict or the
// element opts into BST_STRICT_REBUILD, in which case the dependency's own
// weak key is folded in instead of just its identity.
func WeakKey(configFingerprint any, buildDeps []DepRef) (string, error) {
	return Generate(map[string]any{
		"config": configFingerprint,
		"deps":   buildDeps,
	})
}

// StrictKey computes an element's strict cache key: changes whenever any
// build dependency's content changes in any way. It is
// derived from the element's own configuration fingerprint, its own weak
// key, and each build dependency's strict key.
func StrictKey(configFingerprint any, weakKey string, buildDepsStrict []DepRef) (string, error) {
	return Generate(map[string]any{
		"config": configFingerprint,
		"weak":   weakKey,
		"deps":   buildDepsStrict,
	})
}

// StrongKeyFromBuildDeps computes a non-strict-mode strong key once an
// element is scheduled to build: (project, name, strong_key) for each build
// dependency, folded with the element's strict key.
func StrongKeyFromBuildDeps(strictKey string, buildDepsStrong []DepRef) (string, error) {
	return Generate(map[string]any{
		"strict": strictKey,
		"deps":   buildDepsStrong,
	})
}

// ConfigFingerprint assembles the "element configuration fingerprint" used
// as the common base of every key an element computes.
type ConfigFingerprint struct {
	CoreArtifactVersion int            `json:"core-artifact-version"`
	UniqueKey           any            `json:"unique-key"`
	Kind                string         `json:"kind"`
	KindVersion         int            `json:"kind-version"`
	Public              any            `json:"public"`
	SourcesKey          string         `json:"sources-key"`
	FatalWarnings       []string       `json:"fatal-warnings"`
	SandboxConfig       any            `json:"sandbox-config,omitempty"`
	Environment         map[string]any `json:"environment,omitempty"`
}
