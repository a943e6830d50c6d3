package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dshills/graphflow/graph/state"
)

func TestGraph_ValidateEmpty(t *testing.T) {
	err := NewGraph().Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))

	var codes []string
	for _, e := range multierr.Errors(err) {
		codes = append(codes, codeOf(e))
	}
	assert.Contains(t, codes, "NO_NODES")
	assert.Contains(t, codes, "NO_ENTRY_POINTS")
	assert.Contains(t, codes, "NO_EXIT_POINTS")
}

func TestGraph_AddNodeErrors(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", setNode("x", 1)))

	err := g.AddNode("a", setNode("x", 2))
	assert.Equal(t, "DUPLICATE_NODE", codeOf(err))

	err = g.AddNode("", setNode("x", 2))
	assert.Error(t, err)
	err = g.AddNode("b", nil)
	assert.Error(t, err)
}

func TestGraph_AddEdgeChecksEndpoints(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", setNode("x", 1)))
	require.NoError(t, g.AddNode("b", setNode("x", 1)))

	_, err := g.AddEdge(SimpleEdge("missing", "b"))
	assert.Equal(t, "NODE_NOT_FOUND", codeOf(err))

	_, err = g.AddEdge(SimpleEdge("a", "missing"))
	assert.Equal(t, "NODE_NOT_FOUND", codeOf(err))

	_, err = g.AddEdge(WeightedEdge("a", WeightedTarget{Node: "b", Weight: -1}))
	assert.Error(t, err)

	id, err := g.AddEdge(SimpleEdge("a", "b").WithID("ab"))
	require.NoError(t, err)
	assert.Equal(t, "ab", id)

	_, err = g.AddEdge(SimpleEdge("a", "b").WithID("ab"))
	assert.Equal(t, "DUPLICATE_EDGE", codeOf(err))
}

func TestGraph_RemoveNodeCascades(t *testing.T) {
	g := linear(t, []string{"a", "b", "c"}, []Node{setNode("x", 1), setNode("x", 2), setNode("x", 3)})
	require.NoError(t, g.AddExitPoint("b"))

	require.NoError(t, g.RemoveNode("b"))
	assert.False(t, g.HasNode("b"))
	assert.Empty(t, g.Outgoing("a"))
	assert.Empty(t, g.Incoming("c"))
	assert.Equal(t, []string{"c"}, g.ExitPoints())
	assert.Len(t, g.Edges(), 0)

	assert.Error(t, g.RemoveNode("b"))
}

func TestGraph_ValidateUnknownCondition(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", setNode("x", 1)))
	require.NoError(t, g.AddNode("b", setNode("x", 1)))
	_, err := g.AddEdge(ConditionalEdge("a", "is_ready", "b", ""))
	require.NoError(t, err)
	require.NoError(t, g.AddEntryPoint("a"))
	require.NoError(t, g.AddExitPoint("b"))

	err = g.Validate()
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN_CONDITION", codeOf(multierr.Errors(err)[0]))

	require.NoError(t, g.RegisterCondition("is_ready", ConditionFunc(func(context.Context, *state.State) (bool, error) {
		return true, nil
	})))
	assert.NoError(t, g.Validate())
}

func TestEdge_Destinations(t *testing.T) {
	tests := []struct {
		name string
		edge Edge
		want []string
	}{
		{"simple", SimpleEdge("a", "b"), []string{"b"}},
		{"conditional", ConditionalEdge("a", "c", "b", "d"), []string{"b", "d"}},
		{"conditional without else", ConditionalEdge("a", "c", "b", ""), []string{"b"}},
		{"dynamic", DynamicEdge("a", "r", "b", "c", "b"), []string{"b", "c"}},
		{"parallel", ParallelEdge("a", "b", "c"), []string{"b", "c"}},
		{"weighted", WeightedEdge("a", WeightedTarget{"b", 1}, WeightedTarget{"c", 2}), []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.edge.Destinations())
		})
	}
}

func TestEngineError_Kinds(t *testing.T) {
	err := &EngineError{Kind: KindTimeout, Code: "NODE_TIMEOUT", Message: "slow"}
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrExecution))
	assert.Equal(t, KindTimeout, KindOf(err))

	bare := &EngineError{Code: "X", Message: "m"}
	assert.True(t, errors.Is(bare, ErrExecution))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}
