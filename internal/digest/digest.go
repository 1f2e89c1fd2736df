// Package digest implements the Digest data model: a
// (hash, size) pair that is the canonical identity of any blob or directory
// in the content-addressable store.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	opencontainers "github.com/opencontainers/go-digest"
)

// Digest addresses a blob: its sha256 hash (64 lower-hex characters) and its
// size in bytes. Two digests are equal iff the underlying bytes are equal.
type Digest struct {
	Hash string
	Size int64
}

// Empty is the digest of the zero-length blob.
var Empty = FromBytes(nil)

// String renders the digest as "<hash>/<size>", the key internal/cas uses
// for per-digest locks and quota tracking and the form ref files store.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.Size)
}

// IsZero reports whether d was never assigned.
func (d Digest) IsZero() bool { return d.Hash == "" }

// FromBytes hashes b with sha256 (via opencontainers/go-digest's canonical
// algorithm) and returns the resulting Digest.
func FromBytes(b []byte) Digest {
	dg := opencontainers.FromBytes(b)
	return Digest{Hash: dg.Encoded(), Size: int64(len(b))}
}

// FromReader streams r through a canonical hasher, returning the Digest of
// everything read. Used for blobs too large to buffer in memory.
func FromReader(r io.Reader) (Digest, error) {
	dgstr := opencontainers.Canonical.Digester()
	n, err := io.Copy(dgstr.Hash(), r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: dgstr.Digest().Encoded(), Size: n}, nil
}

// Verify reports whether b hashes to d and has d's size.
func (d Digest) Verify(b []byte) bool {
	if int64(len(b)) != d.Size {
		return false
	}
	return FromBytes(b).Hash == d.Hash
}

// Parse decodes a "<hash>/<size>" string produced by String.
func Parse(s string) (Digest, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Digest{}, fmt.Errorf("digest: malformed %q", s)
	}
	if !isHexSHA256(parts[0]) {
		return Digest{}, fmt.Errorf("digest: malformed hash %q", parts[0])
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return Digest{}, fmt.Errorf("digest: malformed size %q", parts[1])
	}
	return Digest{Hash: parts[0], Size: size}, nil
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// ShardPath returns the two path segments conventionally used to lay blobs
// out on disk: objects/<xx>/<rest-of-hash>.
func (d Digest) ShardPath() (dir, rest string) {
	if len(d.Hash) < 2 {
		return d.Hash, ""
	}
	return d.Hash[:2], d.Hash[2:]
}
