package cachekey

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestCanonicalJSONNeverEscapesForwardSlash(t *testing.T) {
	b, err := canonicalJSON("a/b/c")
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(b), "a/b/c"))
	assert.Check(t, !strings.Contains(string(b), `\/`))
}

func TestCanonicalJSONDoesNotHTMLEscape(t *testing.T) {
	b, err := canonicalJSON("<a & b>")
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(b), "<a & b>"))
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	b, err := canonicalJSON(map[string]any{"z": 1, "a": map[string]any{"y": 1, "x": 2}})
	assert.NilError(t, err)
	assert.Equal(t, `{"a":{"x":2,"y":1},"z":1}`, string(b))
}
