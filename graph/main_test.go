package graph

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"github.com/dshills/graphflow/graph/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// setNode returns a node that stores value under key.
func setNode(key string, value any) Node {
	return NodeFunc(func(_ context.Context, st *state.State) (NodeResult, error) {
		st.Set(key, value)
		return NodeResult{Output: value}, nil
	})
}

// appendNode appends id to the "trace" list in state.
func appendNode(id string) Node {
	return NodeFunc(func(_ context.Context, st *state.State) (NodeResult, error) {
		trace, _ := st.Get("trace")
		list, _ := trace.([]any)
		st.Set("trace", append(append([]any{}, list...), id))
		return NodeResult{}, nil
	})
}

// linear builds entry -> ... -> last with the given nodes, in order.
func linear(t *testing.T, ids []string, nodes []Node) *Graph {
	t.Helper()
	g := NewGraph()
	for i, id := range ids {
		if err := g.AddNode(id, nodes[i]); err != nil {
			t.Fatalf("AddNode(%s): %v", id, err)
		}
	}
	for i := 0; i+1 < len(ids); i++ {
		if _, err := g.AddEdge(SimpleEdge(ids[i], ids[i+1])); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}
	if err := g.AddEntryPoint(ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := g.AddExitPoint(ids[len(ids)-1]); err != nil {
		t.Fatal(err)
	}
	return g
}

func codeOf(err error) string {
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return ""
}
