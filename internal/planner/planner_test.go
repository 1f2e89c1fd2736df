package planner_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/element"
	"github.com/buildstream-core/bstcore/internal/planner"
)

func buildDiamond(t *testing.T) (*element.Arena, element.Id) {
	t.Helper()
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	libc, _ := a.Add("libc.bst", "manual", nil)
	libssl, _ := a.Add("libssl.bst", "manual", nil)
	app, _ := a.Add("app.bst", "manual", nil)

	assert.NilError(t, a.AddDependency(libc, base, element.ScopeAll))
	assert.NilError(t, a.AddDependency(libssl, base, element.ScopeAll))
	assert.NilError(t, a.AddDependency(app, libc, element.ScopeAll))
	assert.NilError(t, a.AddDependency(app, libssl, element.ScopeAll))
	return a, app
}

func TestPlanOrdersDependenciesBeforeDependents(t *testing.T) {
	a, app := buildDiamond(t)
	nodes, err := planner.Plan(a, []element.Id{app}, element.ScopeAll)
	assert.NilError(t, err)
	assert.Equal(t, 4, len(nodes))

	pos := map[element.Id]int{}
	for i, n := range nodes {
		pos[n.Id] = i
	}
	base, _ := a.Lookup("base.bst")
	libc, _ := a.Lookup("libc.bst")
	assert.Check(t, pos[base] < pos[libc])
	assert.Check(t, pos[libc] < pos[app])
}

func TestPlanVisitsDiamondDependencyOnce(t *testing.T) {
	a, app := buildDiamond(t)
	nodes, err := planner.Plan(a, []element.Id{app}, element.ScopeAll)
	assert.NilError(t, err)
	seen := map[element.Id]int{}
	for _, n := range nodes {
		seen[n.Id]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %d visited %d times", id, count)
	}
}

func TestPlanDepthIncreasesTowardRoot(t *testing.T) {
	a, app := buildDiamond(t)
	nodes, err := planner.Plan(a, []element.Id{app}, element.ScopeAll)
	assert.NilError(t, err)

	depthOf := map[element.Id]int{}
	for _, n := range nodes {
		depthOf[n.Id] = n.Depth
	}
	base, _ := a.Lookup("base.bst")
	assert.Equal(t, 0, depthOf[base])
	assert.Check(t, depthOf[app] > depthOf[base])
}

func TestPlanDetectsCycle(t *testing.T) {
	a := element.NewArena()
	x, _ := a.Add("x.bst", "manual", nil)
	y, _ := a.Add("y.bst", "manual", nil)
	assert.NilError(t, a.AddDependency(x, y, element.ScopeAll))
	assert.NilError(t, a.AddDependency(y, x, element.ScopeAll))

	_, err := planner.Plan(a, []element.Id{x}, element.ScopeAll)
	assert.Check(t, err != nil)
}

func TestPlanScopeFiltersRunOnlyDeps(t *testing.T) {
	a := element.NewArena()
	base, _ := a.Add("base.bst", "manual", nil)
	runtimeOnly, _ := a.Add("runtime-only.bst", "manual", nil)
	app, _ := a.Add("app.bst", "manual", nil)

	assert.NilError(t, a.AddDependency(app, base, element.ScopeBuild))
	assert.NilError(t, a.AddDependency(app, runtimeOnly, element.ScopeRun))

	buildNodes, err := planner.Plan(a, []element.Id{app}, element.ScopeBuild)
	assert.NilError(t, err)
	var ids []element.Id
	for _, n := range buildNodes {
		ids = append(ids, n.Id)
	}
	assert.Check(t, contains(ids, base))
	assert.Check(t, !contains(ids, runtimeOnly))
}

func contains(ids []element.Id, target element.Id) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
