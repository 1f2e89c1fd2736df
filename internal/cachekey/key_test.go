package cachekey_test

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/cachekey"
)

func TestIsKey(t *testing.T) {
	good := cachekey.MustGenerate("anything")
	assert.Check(t, cachekey.IsKey(good))
	assert.Check(t, !cachekey.IsKey(good[:63]))
	assert.Check(t, !cachekey.IsKey(good+"a"))

	upper := make([]byte, len(good))
	copy(upper, good)
	upper[0] = 'A'
	assert.Check(t, !cachekey.IsKey(string(upper)))
}

func TestGenerateIsDeterministic(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": 1, "y": 2}}
	k1, err := cachekey.Generate(value)
	assert.NilError(t, err)
	k2, err := cachekey.Generate(value)
	assert.NilError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, cachekey.Size, len(k1))
}

func TestGenerateMapKeyOrderIsIrrelevant(t *testing.T) {
	// Two maps built by inserting keys in different orders must hash
	// identically, since canonical JSON sorts keys lexicographically.
	m1 := map[string]any{}
	m1["zebra"] = 1
	m1["apple"] = 2
	m1["mango"] = 3

	m2 := map[string]any{}
	m2["mango"] = 3
	m2["apple"] = 2
	m2["zebra"] = 1

	k1, err := cachekey.Generate(m1)
	assert.NilError(t, err)
	k2, err := cachekey.Generate(m2)
	assert.NilError(t, err)
	assert.Equal(t, k1, k2)
}

func TestGenerateDoesNotEscapeForwardSlash(t *testing.T) {
	k, err := cachekey.Generate("a/b")
	assert.NilError(t, err)
	// The key must be the sha256 of the unescaped JSON string "a/b"
	// (canonicalJSON is unexported, so the hash is checked directly), and
	// must differ from the key of the literal string `a\/b`.
	assert.Check(t, len(k) == cachekey.Size)
	want := sha256.Sum256([]byte(`"a/b"`))
	assert.Equal(t, hex.EncodeToString(want[:]), k)

	kNoSlash, err := cachekey.Generate("a\\/b")
	assert.NilError(t, err)
	assert.Check(t, k != kNoSlash)
}

func TestGenerateDistinguishesValues(t *testing.T) {
	a := cachekey.MustGenerate(map[string]any{"x": 1})
	b := cachekey.MustGenerate(map[string]any{"x": 2})
	assert.Check(t, a != b)
}

func TestWeakKeyStableUnderNonStrictDepChange(t *testing.T) {
	// A build-dependency change only moves weak_key when the dependency is
	// a strict dependency (or BST_STRICT_REBUILD forces it); otherwise only
	// strict_key moves.
	cfg := map[string]any{"kind": "manual"}
	depsBefore := []cachekey.DepRef{{Project: "p", Name: "lib"}}
	depsAfter := []cachekey.DepRef{{Project: "p", Name: "lib"}} // identity unchanged: weak key only encodes (project,name) for non-strict deps

	weakBefore, err := cachekey.WeakKey(cfg, depsBefore)
	assert.NilError(t, err)
	weakAfter, err := cachekey.WeakKey(cfg, depsAfter)
	assert.NilError(t, err)
	assert.Equal(t, weakBefore, weakAfter)

	strictBefore, err := cachekey.StrictKey(cfg, weakBefore, []cachekey.DepRef{{Project: "p", Name: "lib", Key: "key-v1"}})
	assert.NilError(t, err)
	strictAfter, err := cachekey.StrictKey(cfg, weakAfter, []cachekey.DepRef{{Project: "p", Name: "lib", Key: "key-v2"}})
	assert.NilError(t, err)
	assert.Check(t, strictBefore != strictAfter)
}

func TestWeakKeyChangesForStrictDep(t *testing.T) {
	cfg := map[string]any{"kind": "manual"}
	before := []cachekey.DepRef{{Project: "p", Name: "lib", Key: "key-v1"}}
	after := []cachekey.DepRef{{Project: "p", Name: "lib", Key: "key-v2"}}

	weakBefore, err := cachekey.WeakKey(cfg, before)
	assert.NilError(t, err)
	weakAfter, err := cachekey.WeakKey(cfg, after)
	assert.NilError(t, err)
	assert.Check(t, weakBefore != weakAfter)
}

func TestFatalWarningsSortedInput(t *testing.T) {
	w1 := []string{"b", "a", "c"}
	w2 := []string{"a", "b", "c"}
	sort.Strings(w1)
	k1 := cachekey.MustGenerate(w1)
	k2 := cachekey.MustGenerate(w2)
	assert.Equal(t, k1, k2)
}
