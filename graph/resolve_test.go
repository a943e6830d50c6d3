package graph

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/graphflow/graph/state"
)

func branchingGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range []string{"start", "left", "right", "middle"} {
		require.NoError(t, g.AddNode(id, setNode("at", id)))
	}
	require.NoError(t, g.RegisterCondition("go_left", ConditionFunc(func(_ context.Context, st *state.State) (bool, error) {
		v, _ := st.GetBool("left")
		return v, nil
	})))
	require.NoError(t, g.AddEntryPoint("start"))
	require.NoError(t, g.AddExitPoint("middle"))
	return g
}

func TestResolveEdge_Conditional(t *testing.T) {
	g := branchingGraph(t)
	r := NewResolver(g, 1)
	ctx := context.Background()

	edge := ConditionalEdge("start", "go_left", "left", "right")
	res, err := r.ResolveEdge(ctx, edge, state.FromMap(map[string]any{"left": true}))
	require.NoError(t, err)
	assert.Equal(t, RouteResolution{Kind: ResolveSingle, Targets: []string{"left"}}, res)

	res, err = r.ResolveEdge(ctx, edge, state.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"right"}, res.Targets)

	noElse := ConditionalEdge("start", "go_left", "left", "")
	res, err = r.ResolveEdge(ctx, noElse, state.New())
	require.NoError(t, err)
	assert.Equal(t, ResolveNone, res.Kind)

	_, err = r.ResolveEdge(ctx, ConditionalEdge("start", "missing", "left", "right"), state.New())
	assert.True(t, errors.Is(err, ErrStructural))
}

func TestResolveEdge_ConditionErrorIsValidation(t *testing.T) {
	g := branchingGraph(t)
	boom := errors.New("boom")
	require.NoError(t, g.RegisterCondition("broken", ConditionFunc(func(context.Context, *state.State) (bool, error) {
		return false, boom
	})))
	_, err := NewResolver(g, 1).ResolveEdge(context.Background(), ConditionalEdge("start", "broken", "left", "right"), state.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, boom))
}

func TestResolveEdge_DynamicRejectsNonCandidate(t *testing.T) {
	g := branchingGraph(t)
	require.NoError(t, g.RegisterRouter("rogue", RouterFunc(func(context.Context, *state.State, []string) (string, error) {
		return "middle", nil
	})))
	_, err := NewResolver(g, 1).ResolveEdge(context.Background(), DynamicEdge("start", "rogue", "left", "right"), state.New())
	assert.Equal(t, "INVALID_ROUTE", codeOf(err))
}

func TestResolveEdge_RoundRobinRouter(t *testing.T) {
	g := branchingGraph(t)
	require.NoError(t, g.RegisterRouter("rr", &RoundRobinRouter{}))
	r := NewResolver(g, 1)
	edge := DynamicEdge("start", "rr", "left", "right", "middle")

	var got []string
	for i := 0; i < 4; i++ {
		res, err := r.ResolveEdge(context.Background(), edge, state.New())
		require.NoError(t, err)
		got = append(got, res.Targets[0])
	}
	assert.Equal(t, []string{"left", "right", "middle", "left"}, got)
}

func TestResolveEdge_WeightedConverges(t *testing.T) {
	g := branchingGraph(t)
	r := NewResolver(g, 42)
	edge := WeightedEdge("start",
		WeightedTarget{Node: "left", Weight: 0.7},
		WeightedTarget{Node: "right", Weight: 0.3},
	)

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		res, err := r.ResolveEdge(context.Background(), edge, state.New())
		require.NoError(t, err)
		counts[res.Targets[0]]++
	}
	ratio := float64(counts["left"]) / draws
	assert.Less(t, math.Abs(ratio-0.7), 0.03, "left ratio %v", ratio)
}

func TestResolveEdge_WeightedIsSeeded(t *testing.T) {
	g := branchingGraph(t)
	edge := WeightedEdge("start",
		WeightedTarget{Node: "left", Weight: 1},
		WeightedTarget{Node: "right", Weight: 1},
	)
	sequence := func() []string {
		r := NewResolver(g, 7)
		var out []string
		for i := 0; i < 20; i++ {
			res, err := r.ResolveEdge(context.Background(), edge, state.New())
			require.NoError(t, err)
			out = append(out, res.Targets[0])
		}
		return out
	}
	assert.Equal(t, sequence(), sequence())
}

func TestResolveNext_Strategies(t *testing.T) {
	g := branchingGraph(t)
	_, err := g.AddEdge(SimpleEdge("start", "left").WithMetadata(EdgeMetadata{Priority: 1, Weight: 1}))
	require.NoError(t, err)
	_, err = g.AddEdge(SimpleEdge("start", "right").WithMetadata(EdgeMetadata{Priority: 5, Weight: 0.5}))
	require.NoError(t, err)
	_, err = g.AddEdge(ConditionalEdge("start", "go_left", "middle", "").WithMetadata(EdgeMetadata{Priority: 9, Weight: 3}))
	require.NoError(t, err)

	ctx := context.Background()
	st := state.New()

	tests := []struct {
		strategy RoutingStrategy
		want     []string
	}{
		{RouteAll, []string{"right", "left"}},
		{RouteFirst, []string{"right"}},
		{RouteHighestWeight, []string{"left"}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			res, err := NewResolver(g, 1).ResolveNext(ctx, "start", st, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Targets)
		})
	}

	t.Run("round robin rotates", func(t *testing.T) {
		r := NewResolver(g, 1)
		first, err := r.ResolveNext(ctx, "start", st, RouteRoundRobin)
		require.NoError(t, err)
		second, err := r.ResolveNext(ctx, "start", st, RouteRoundRobin)
		require.NoError(t, err)
		assert.NotEqual(t, first.Targets, second.Targets)
	})

	t.Run("no outgoing edges", func(t *testing.T) {
		res, err := NewResolver(g, 1).ResolveNext(ctx, "middle", st, RouteAll)
		require.NoError(t, err)
		assert.Equal(t, ResolveNone, res.Kind)
	})
}

func TestParseRoutingStrategy(t *testing.T) {
	for _, s := range []RoutingStrategy{RouteAll, RouteFirst, RouteHighestWeight, RouteWeightedRandom, RouteRoundRobin} {
		got, err := ParseRoutingStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseRoutingStrategy("sideways")
	assert.Error(t, err)
}
