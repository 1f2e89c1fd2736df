// Package cachekey implements the cache-key algebra: a
// deterministic sha256 fingerprint over canonical JSON, plus the weak,
// strict and strong key derivations built on top of it.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Size is the length of a cache key: a sha256 hex digest.
const Size = 64

const hexDigits = "0123456789abcdef"

// IsKey reports whether s could be a cache key: the right length, and every
// character a lowercase hex digit.
func IsKey(s string) bool {
	if len(s) != Size {
		return false
	}
	for _, r := range s {
		if strings.IndexRune(hexDigits, r) < 0 {
			return false
		}
	}
	return true
}

// Generate computes key(value) = sha256(canonical_json(value)) where
// canonical JSON sorts map keys lexicographically and never escapes
// forward slashes.
func Generate(value any) (string, error) {
	b, err := canonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("cachekey: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustGenerate is Generate but panics on error; only safe for values whose
// shape is statically known never to contain something unmarshalable
// (channels, funcs), i.e. internal config maps assembled by this package's
// own callers.
func MustGenerate(value any) string {
	k, err := Generate(value)
	if err != nil {
		panic(err)
	}
	return k
}

// canonicalJSON serializes value the way BuildStream's ujson.dumps(value,
// sort_keys=True, escape_forward_slashes=False) does: map keys sorted
// lexicographically, "/" left unescaped. encoding/json already sorts
// map[string]any keys and never escapes "/" unless told to, so the only
// adjustment needed is disabling HTML-escaping (which would otherwise
// mangle "<", ">", "&" present in some unique_keys).
func canonicalJSON(value any) ([]byte, error) {
	normalized, err := normalize(value)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	if err := encodeValue(&buf, normalized); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// encodeValue writes value's canonical encoding to buf without ever
// HTML-escaping "<", ">" or "&" - encoding/json.Marshal escapes those by
// default even though it already leaves "/" alone, so scalars are encoded
// through an Encoder with HTML escaping disabled rather than through
// json.Marshal directly.
func encodeValue(buf *strings.Builder, value any) error {
	switch t := value.(type) {
	case orderedMap:
		buf.WriteByte('{')
		for i, p := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeScalar(buf, p.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, p.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return encodeScalar(buf, t)
	}
}

func encodeScalar(buf *strings.Builder, value any) error {
	var scalar strings.Builder
	enc := json.NewEncoder(&scalar)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return err
	}
	buf.WriteString(strings.TrimSuffix(scalar.String(), "\n"))
	return nil
}

// normalize round-trips value through JSON to collapse it to the
// encoding/json data model (map[string]any, []any, float64, string, bool,
// nil) so struct field order and custom types never influence the digest -
// only the JSON shape does, matching ujson's behavior on arbitrary Python
// values.
func normalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return sortedCopy(out), nil
}

// sortedCopy recursively rebuilds maps as sorted key/value pairs are not
// representable in Go's map type directly, but map[string]any already
// marshals with sorted keys in encoding/json; this walk exists so nested
// values are also normalized consistently (json.Number passthrough, etc.)
// and to make the sort order explicit and testable independent of the
// standard library's internal marshal order.
func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(t))
		for _, k := range keys {
			out = append(out, orderedPair{k, sortedCopy(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap/orderedPair make key order explicit after sortedCopy, so
// encodeValue can emit a JSON object without depending on Go map iteration
// order anywhere in the pipeline.
type orderedPair struct {
	Key   string
	Value any
}
type orderedMap []orderedPair
