package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewGraph_SingleTask(t *testing.T) {
	g, err := NewGraph([]Metadata{{Name: "a"}})
	require.NoError(t, err)
	require.NotEmpty(t, g.Hash())
	require.Equal(t, []string{"a"}, g.TopologicalOrder())
}

func TestNewGraph_LinearChain(t *testing.T) {
	g, err := NewGraph([]Metadata{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "c", Dependencies: []string{"b"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, g.TopologicalOrder())

	depthA, _ := g.Depth("a")
	depthB, _ := g.Depth("b")
	depthC, _ := g.Depth("c")
	require.Equal(t, 0, depthA)
	require.Equal(t, 1, depthB)
	require.Equal(t, 2, depthC)
}

func TestNewGraph_UnknownDependency(t *testing.T) {
	_, err := NewGraph([]Metadata{
		{Name: "a", Dependencies: []string{"missing"}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestNewGraph_DuplicateTaskName(t *testing.T) {
	_, err := NewGraph([]Metadata{{Name: "a"}, {Name: "a"}})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDuplicateTask))
}

func TestNewGraph_CycleDetected(t *testing.T) {
	_, err := NewGraph([]Metadata{
		{Name: "a", Dependencies: []string{"b"}},
		{Name: "b", Dependencies: []string{"a"}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCycleDetected))
}

func TestNewGraph_EmptyTaskList(t *testing.T) {
	_, err := NewGraph(nil)
	require.Error(t, err)
}

// Fingerprint stability (P7): identical tasks/dependencies/trigger rules
// produce identical hashes regardless of input order; any change to a
// dependency edge or trigger rule changes the hash.
func TestGraphHash_StableAcrossInputOrder(t *testing.T) {
	a := []Metadata{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a"}},
	}
	b := []Metadata{
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "a"},
	}

	ga, err := NewGraph(a)
	require.NoError(t, err)
	gb, err := NewGraph(b)
	require.NoError(t, err)
	require.Equal(t, ga.Hash(), gb.Hash())
}

func TestGraphHash_ChangesWithDependencyEdge(t *testing.T) {
	g1, err := NewGraph([]Metadata{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	g2, err := NewGraph([]Metadata{{Name: "a"}, {Name: "b", Dependencies: []string{"a"}}})
	require.NoError(t, err)
	require.NotEqual(t, g1.Hash(), g2.Hash())
}

func TestGraphHash_ChangesWithTriggerRule(t *testing.T) {
	g1, err := NewGraph([]Metadata{{Name: "a"}})
	require.NoError(t, err)
	g2, err := NewGraph([]Metadata{{Name: "a", Trigger: ContextValueRule("ok", OpEq, true)}})
	require.NoError(t, err)
	require.NotEqual(t, g1.Hash(), g2.Hash())
}

func TestGraph_DependenciesAndDependents(t *testing.T) {
	g, err := NewGraph([]Metadata{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a"}},
		{Name: "c", Dependencies: []string{"a"}},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, g.Dependents("a"))
	require.Equal(t, []string{"a"}, g.Dependencies("b"))
}
