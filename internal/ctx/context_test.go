package ctx_test

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/cas"
	"github.com/buildstream-core/bstcore/internal/ctx"
	"github.com/buildstream-core/bstcore/internal/digest"
)

func newContext(t *testing.T) *ctx.Context {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.NewStore(dir, 0)
	assert.NilError(t, err)
	return ctx.New(store, nil, nil)
}

func TestRunExclusiveRunsFunction(t *testing.T) {
	c := newContext(t)
	ran := false
	err := c.RunExclusive(func() error {
		ran = true
		return nil
	})
	assert.NilError(t, err)
	assert.Check(t, ran)
}

func TestRunExclusivePanicsOnReentrance(t *testing.T) {
	c := newContext(t)
	defer func() {
		r := recover()
		assert.Check(t, r != nil)
	}()
	_ = c.RunExclusive(func() error {
		return c.RunExclusive(func() error { return nil })
	})
}

func TestAssertExclusivePanicsOutsideSection(t *testing.T) {
	c := newContext(t)
	defer func() {
		r := recover()
		assert.Check(t, r != nil)
	}()
	c.AssertExclusive()
}

func TestStagedSourceTreeRoundTrip(t *testing.T) {
	c := newContext(t)
	_, ok := c.StagedSourceTree("somekey")
	assert.Check(t, !ok)

	d := digest.FromBytes([]byte("tree"))
	c.RecordStagedSourceTree("somekey", d)

	got, ok := c.StagedSourceTree("somekey")
	assert.Check(t, ok)
	assert.Equal(t, d, got)
}

func TestRunExclusiveAllowsSequentialCalls(t *testing.T) {
	c := newContext(t)
	for i := 0; i < 3; i++ {
		err := c.RunExclusive(func() error { return nil })
		assert.NilError(t, err, fmt.Sprintf("iteration %d", i))
	}
}
