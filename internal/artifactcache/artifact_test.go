package artifactcache_test

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/artifactcache"
	"github.com/buildstream-core/bstcore/internal/digest"
)

func TestArtifactMarshalUnmarshalRoundTrip(t *testing.T) {
	pub, err := structpb.NewStruct(map[string]any{"foo": "bar"})
	assert.NilError(t, err)

	a := &artifactcache.Artifact{
		ElementName: "hello.bst",
		StrictKey:   "a1b2",
		WeakKey:     "c3d4",
		Success:     true,
		Files:       digest.FromBytes([]byte("files")),
		PublicData:  pub,
	}

	b, err := a.Marshal()
	assert.NilError(t, err)

	got, err := artifactcache.Unmarshal(b)
	assert.NilError(t, err)
	assert.Equal(t, a.ElementName, got.ElementName)
	assert.Equal(t, a.StrictKey, got.StrictKey)
	assert.Equal(t, a.Success, got.Success)
	assert.Equal(t, a.Files, got.Files)
	assert.Check(t, got.BuildTree.IsZero())
	assert.Equal(t, "bar", got.PublicData.GetFields()["foo"].GetStringValue())
}

func TestBuildArtifactPropagatesTaintFromBuildDeps(t *testing.T) {
	untainted := &artifactcache.Artifact{ElementName: "base.bst", Tainted: false}
	tainted := &artifactcache.Artifact{ElementName: "patched.bst", Tainted: true}

	clean := artifactcache.BuildArtifact("app.bst", "k1", "k1", true, false,
		digest.FromBytes([]byte("out")), digest.Digest{}, digest.Digest{},
		[]*artifactcache.Artifact{untainted})
	assert.Check(t, !clean.Tainted)

	poisoned := artifactcache.BuildArtifact("app.bst", "k1", "k1", true, false,
		digest.FromBytes([]byte("out")), digest.Digest{}, digest.Digest{},
		[]*artifactcache.Artifact{untainted, tainted})
	assert.Check(t, poisoned.Tainted)
}

func TestBuildArtifactTaintsOnOwnWorkspace(t *testing.T) {
	a := artifactcache.BuildArtifact("app.bst", "k1", "k1", true, true,
		digest.FromBytes([]byte("out")), digest.Digest{}, digest.Digest{}, nil)
	assert.Check(t, a.Tainted)
}

func TestNormalNameStripsExtension(t *testing.T) {
	assert.Equal(t, "base/hello", artifactcache.NormalName("base/hello.bst"))
	assert.Equal(t, "hello", artifactcache.NormalName("hello.bst"))
}
