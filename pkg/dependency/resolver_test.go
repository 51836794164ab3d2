package dependency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/safeact/pkg/action"
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

type fakeCatalog struct{}

func (fakeCatalog) Reversible(t contracts.ActionType) bool { return t != contracts.ActionDelete }

func (fakeCatalog) Class(t contracts.ActionType) action.EffectClass {
	switch t {
	case contracts.ActionArchive, contracts.ActionMove, contracts.ActionDelete:
		return action.ClassDisposition
	case contracts.ActionFlag:
		return action.ClassMarking
	}
	return action.ClassCapture
}

func c(id string, typ contracts.ActionType, tags []contracts.Tag, deps ...string) contracts.ActionCandidate {
	return contracts.ActionCandidate{ID: id, EventID: "evt", Type: typ, Target: "msg", Confidence: 0.9, Tags: tags, DependsOn: deps}
}

var required = []contracts.Tag{contracts.TagRequiredEnrichment}

func edgeSet(edges []contracts.Edge) map[[2]string]contracts.EdgeKind {
	out := make(map[[2]string]contracts.EdgeKind, len(edges))
	for _, e := range edges {
		out[[2]string{e.From, e.To}] = e.Kind
	}
	return out
}

func TestResolve_AllSources(t *testing.T) {
	r := NewResolver(fakeCatalog{}, nil)
	edges, err := r.Resolve([]contracts.ActionCandidate{
		c("save", contracts.ActionSaveAttachment, required),
		c("task", contracts.ActionCreateTask, required, "save"),
		c("note", contracts.ActionUpdateNote, nil),
		c("archive", contracts.ActionArchive, nil),
		c("flag", contracts.ActionFlag, nil),
	})
	require.NoError(t, err)

	got := edgeSet(edges)
	assert.Equal(t, contracts.EdgeDeclared, got[[2]string{"save", "task"}], "declared edge wins over relation")
	assert.Equal(t, contracts.EdgeProducerConsumer, got[[2]string{"save", "note"}])
	assert.Equal(t, contracts.EdgeCaptureBeforeCommit, got[[2]string{"save", "archive"}])
	assert.Equal(t, contracts.EdgeCaptureBeforeCommit, got[[2]string{"task", "archive"}])
	_, flagOrdered := got[[2]string{"save", "flag"}]
	assert.False(t, flagOrdered, "marking actions are not ordered after captures")
	assert.Len(t, edges, 4)
}

func TestResolve_OtherEventNotOrdered(t *testing.T) {
	r := NewResolver(fakeCatalog{}, nil)
	other := c("del", contracts.ActionDelete, nil)
	other.EventID = "evt-2"
	edges, err := r.Resolve([]contracts.ActionCandidate{c("note", contracts.ActionUpdateNote, required), other})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestResolve_IrreversibleTag(t *testing.T) {
	r := NewResolver(fakeCatalog{}, nil)
	edges, err := r.Resolve([]contracts.ActionCandidate{
		c("note", contracts.ActionUpdateNote, required),
		c("flag", contracts.ActionFlag, []contracts.Tag{contracts.TagIrreversible}),
	})
	require.NoError(t, err)
	assert.Equal(t, []contracts.Edge{{From: "note", To: "flag", Kind: contracts.EdgeCaptureBeforeCommit}}, edges)
}

func TestResolve_CycleIsConfigurationError(t *testing.T) {
	r := NewResolver(fakeCatalog{}, nil)
	_, err := r.Resolve([]contracts.ActionCandidate{
		c("note", contracts.ActionUpdateNote, required, "archive"),
		c("archive", contracts.ActionArchive, nil),
	})
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ce.Cycle[0], ce.Cycle[len(ce.Cycle)-1])
	assert.ElementsMatch(t, []string{"note", "archive"}, ce.Cycle[:len(ce.Cycle)-1])
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestResolve_UnknownDependency(t *testing.T) {
	r := NewResolver(fakeCatalog{}, nil)
	_, err := r.Resolve([]contracts.ActionCandidate{c("task", contracts.ActionCreateTask, nil, "ghost")})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestGraph_Levels(t *testing.T) {
	g := NewGraph(
		[]string{"a", "b", "c", "d", "e"},
		[]contracts.Edge{{From: "a", To: "c"}, {From: "b", To: "c"}, {From: "c", To: "d"}, {From: "a", To: "e"}},
	)
	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "e"}, {"d"}}, levels)

	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, g.Ancestors("d"))
	assert.Equal(t, map[string]bool{"c": true, "d": true, "e": true}, g.Descendants("a"))

	sub := g.Subgraph([]string{"c", "d"})
	levels, err = sub.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"c"}, {"d"}}, levels)
	assert.Equal(t, []string{"a", "b"}, sub.DependenciesOf("c"))
	assert.Equal(t, []string{"c"}, sub.DependenciesOf("d"))
	assert.False(t, sub.Ancestors("d")["a"])
}

func TestGraph_LevelsRejectsCycle(t *testing.T) {
	g := NewGraph([]string{"a", "b"}, []contracts.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}})
	_, err := g.Levels()
	var ce *ConfigurationError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "b", "a"}, ce.Cycle)
}
