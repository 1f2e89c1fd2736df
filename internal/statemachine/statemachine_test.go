package statemachine_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/element"
	"github.com/buildstream-core/bstcore/internal/statemachine"
)

func TestUnresolvedElementStartsNoReference(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("app.bst", "manual", nil)
	m := statemachine.New(a)
	assert.Equal(t, statemachine.StatusNoReference, m.State(id).Status)
}

func TestJunctionStaysJunctionRegardlessOfOtherUpdates(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("sub.bst", "junction", nil)
	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(id, true, true))
	assert.Equal(t, statemachine.StatusJunction, m.State(id).Status)

	assert.NilError(t, m.QueryCache(id, true, true, "strong"))
	assert.Equal(t, statemachine.StatusJunction, m.State(id).Status)
}

func TestLeafElementBecomesBuildableOnceSourcesCached(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("base.bst", "manual", nil)
	m := statemachine.New(a)

	assert.NilError(t, m.Resolve(id, true, false))
	assert.Equal(t, statemachine.StatusWaiting, m.State(id).Status)

	assert.NilError(t, m.QueryCache(id, true, false, ""))
	assert.Equal(t, statemachine.StatusBuildable, m.State(id).Status)
	assert.Check(t, m.IsBuildable(id))
}

func TestElementWithUncachedSourcesIsFetchNeeded(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("base.bst", "manual", nil)
	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(id, true, false))
	assert.NilError(t, m.QueryCache(id, false, false, ""))
	assert.Equal(t, statemachine.StatusFetchNeeded, m.State(id).Status)
}

func TestCachedArtifactWinsOverEverythingElse(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("base.bst", "manual", nil)
	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(id, true, false))
	assert.NilError(t, m.QueryCache(id, false, true, "strong"))
	assert.Equal(t, statemachine.StatusCached, m.State(id).Status)
}

func TestDependentWaitsUntilDependencyIsCached(t *testing.T) {
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	app, _ := a.Add("app.bst", "manual", nil)
	assert.NilError(t, a.AddDependency(app, base, element.ScopeBuild))

	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(base, true, false))
	assert.NilError(t, m.Resolve(app, true, false))
	assert.NilError(t, m.QueryCache(app, true, false, ""))
	assert.Equal(t, statemachine.StatusWaiting, m.State(app).Status)

	assert.NilError(t, m.QueryCache(base, true, true, "strong"))
	assert.NilError(t, m.QueryCache(app, true, false, ""))
	assert.Equal(t, statemachine.StatusBuildable, m.State(app).Status)
}

func TestFailurePropagatesToDependent(t *testing.T) {
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	app, _ := a.Add("app.bst", "manual", nil)
	assert.NilError(t, a.AddDependency(app, base, element.ScopeBuild))

	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(base, true, false))
	assert.NilError(t, m.Resolve(app, true, false))
	assert.NilError(t, m.Fail(base))
	assert.NilError(t, m.QueryCache(app, true, false, ""))
	assert.Equal(t, statemachine.StatusFailed, m.State(app).Status)
}

func TestUpdateCacheKeyNonStrictOnlyAdoptsOnce(t *testing.T) {
	a := element.NewArena()
	id, _ := a.Add("app.bst", "manual", nil)
	m := statemachine.New(a)
	assert.NilError(t, m.Resolve(id, true, false))
	assert.NilError(t, m.UpdateCacheKeyNonStrict(id, "weak-hit"))
	assert.Equal(t, "weak-hit", m.State(id).StrongKey)

	assert.NilError(t, m.UpdateCacheKeyNonStrict(id, "different"))
	assert.Equal(t, "weak-hit", m.State(id).StrongKey)
}
