package digest_test

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/digest"
)

func TestFromBytesIsContentAddressed(t *testing.T) {
	a := digest.FromBytes([]byte("hello world"))
	b := digest.FromBytes([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.Equal(t, int64(len("hello world")), a.Size)
	assert.Check(t, a.Verify([]byte("hello world")))
	assert.Check(t, !a.Verify([]byte("hello worlD")))
}

func TestFromBytesDiffers(t *testing.T) {
	a := digest.FromBytes([]byte("a"))
	b := digest.FromBytes([]byte("b"))
	assert.Check(t, a.Hash != b.Hash)
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	want := digest.FromBytes([]byte("streamed content"))
	got, err := digest.FromReader(strings.NewReader("streamed content"))
	assert.NilError(t, err)
	assert.Equal(t, want, got)
}

func TestParseRoundTrip(t *testing.T) {
	d := digest.FromBytes([]byte("round trip"))
	parsed, err := digest.Parse(d.String())
	assert.NilError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"nothex/10",
		strings.Repeat("a", 63) + "/10",
		strings.Repeat("A", 64) + "/10",
		strings.Repeat("a", 64) + "/-1",
		strings.Repeat("a", 64),
	}
	for _, c := range cases {
		_, err := digest.Parse(c)
		assert.Check(t, err != nil, "expected error for %q", c)
	}
}

func TestShardPath(t *testing.T) {
	d := digest.FromBytes([]byte("shard"))
	dir, rest := d.ShardPath()
	assert.Equal(t, 2, len(dir))
	assert.Equal(t, dir+rest, d.Hash)
}
