package element_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/element"
)

func TestAddAssignsIncreasingIds(t *testing.T) {
	a := element.NewArena()
	id1, err := a.Add("base.bst", "manual", nil)
	assert.NilError(t, err)
	id2, err := a.Add("app.bst", "manual", nil)
	assert.NilError(t, err)
	assert.Check(t, id1 != id2)
	assert.Equal(t, 2, a.Len())
}

func TestAddRejectsDuplicateName(t *testing.T) {
	a := element.NewArena()
	_, err := a.Add("base.bst", "manual", nil)
	assert.NilError(t, err)
	_, err = a.Add("base.bst", "manual", nil)
	assert.Check(t, err != nil)
}

func TestLookupByName(t *testing.T) {
	a := element.NewArena()
	id, err := a.Add("base.bst", "manual", nil)
	assert.NilError(t, err)

	got, ok := a.Lookup("base.bst")
	assert.Check(t, ok)
	assert.Equal(t, id, got)

	_, ok = a.Lookup("missing.bst")
	assert.Check(t, !ok)
}

func TestAddDependencyPreservesOrderAndScope(t *testing.T) {
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	libc, _ := a.Add("libc.bst", "manual", nil)
	app, _ := a.Add("app.bst", "manual", nil)

	assert.NilError(t, a.AddDependency(app, base, element.ScopeBuild|element.ScopeRun))
	assert.NilError(t, a.AddDependency(app, libc, element.ScopeRun))

	e, err := a.Get(app)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(e.Dependencies))
	assert.Equal(t, base, e.Dependencies[0].Target)
	assert.Equal(t, libc, e.Dependencies[1].Target)
	assert.Check(t, e.HasDependency(libc, element.ScopeRun))
	assert.Check(t, !e.HasDependency(libc, element.ScopeBuild))
}

func TestAddDependencyRejectsUnknownIds(t *testing.T) {
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	assert.Check(t, a.AddDependency(base, element.Id(999), element.ScopeBuild) != nil)
	assert.Check(t, a.AddDependency(element.Id(999), base, element.ScopeBuild) != nil)
}
