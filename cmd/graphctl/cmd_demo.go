package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dshills/graphflow/graph"
	"github.com/dshills/graphflow/graph/emit"
	"github.com/dshills/graphflow/graph/state"
)

var errInjected = errors.New("injected failure")

type demoFlags struct {
	parallel   bool
	failAt     string
	checkpoint bool
	records    int
}

func newDemoCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in fetch/parse/enrich/merge workflow",
		Long: "The demo graph fans fetch out to parse and enrich, which join again at merge.\n" +
			"Engine, retry and checkpoint settings come from the config file.",
	}

	df := &demoFlags{}
	run := &cobra.Command{
		Use:   "run",
		Short: "Execute the demo workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd, flags, df, "")
		},
	}
	f := run.Flags()
	f.BoolVar(&df.parallel, "parallel", false, "Force leveled-parallel execution")
	f.StringVar(&df.failAt, "fail", "", "Make this node fail on every attempt")
	f.BoolVar(&df.checkpoint, "checkpoint", false, "Force checkpointing on")
	f.IntVar(&df.records, "records", 3, "Number of records fetch produces")
	cmd.AddCommand(run)

	rf := &demoFlags{}
	resume := &cobra.Command{
		Use:   "resume <checkpoint-id>",
		Short: "Resume a demo execution from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf.checkpoint = true
			return runDemo(cmd, flags, rf, args[0])
		},
	}
	resume.Flags().BoolVar(&rf.parallel, "parallel", false, "Force leveled-parallel execution")
	cmd.AddCommand(resume)

	return cmd
}

func runDemo(cmd *cobra.Command, flags *rootFlags, df *demoFlags, resumeFrom string) error {
	e, err := flags.open()
	if err != nil {
		return err
	}
	defer e.Close()

	g, err := demoGraph(df.failAt)
	if err != nil {
		return err
	}
	opts, err := e.cfg.EngineOptions()
	if err != nil {
		return err
	}
	if df.parallel {
		opts.ParallelExecution = true
	}

	engineOpts := []graph.Option{
		graph.WithOptions(opts),
		graph.WithLogger(e.logger),
		graph.WithEmitter(emit.NewZapEmitter(e.logger)),
	}
	if e.cfg.Checkpoint.Enabled || df.checkpoint {
		engineOpts = append(engineOpts, graph.WithCheckpointManager(e.manager))
	}
	engine, err := graph.New(g, engineOpts...)
	if err != nil {
		return err
	}

	var res *graph.ExecutionResult
	if resumeFrom != "" {
		res = engine.Resume(cmd.Context(), resumeFrom)
	} else {
		initial := state.New()
		initial.Set("records", df.records)
		res = engine.Execute(cmd.Context(), initial)
	}
	if err := renderResult(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return res.Error
}

// demoGraph builds fetch -> {parse, enrich} -> merge. failAt names a node
// that always fails.
func demoGraph(failAt string) (*graph.Graph, error) {
	g := graph.NewGraph()

	nodes := []struct {
		id   string
		fn   graph.NodeFunc
		keys []string
	}{
		{"fetch", fetchNode, []string{"items"}},
		{"parse", parseNode, []string{"parsed"}},
		{"enrich", enrichNode, []string{"enriched"}},
		{"merge", mergeNode, []string{"summary"}},
	}
	for _, n := range nodes {
		fn := n.fn
		if n.id == failAt {
			fn = func(context.Context, *state.State) (graph.NodeResult, error) {
				return graph.NodeResult{}, errInjected
			}
		}
		meta := graph.NodeMetadata{
			Name:             n.id,
			ParallelSafe:     true,
			ExpectedDuration: 10 * time.Millisecond,
			WriteKeys:        n.keys,
		}
		if err := g.AddNode(n.id, graph.NewNode(fn, meta)); err != nil {
			return nil, err
		}
	}
	if failAt != "" && !g.HasNode(failAt) {
		return nil, fmt.Errorf("--fail %q: no such node (want fetch, parse, enrich or merge)", failAt)
	}

	for _, e := range []graph.Edge{
		graph.ParallelEdge("fetch", "parse", "enrich"),
		graph.SimpleEdge("parse", "merge"),
		graph.SimpleEdge("enrich", "merge"),
	} {
		if _, err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	if err := g.AddEntryPoint("fetch"); err != nil {
		return nil, err
	}
	if err := g.AddExitPoint("merge"); err != nil {
		return nil, err
	}
	return g, nil
}

func fetchNode(_ context.Context, st *state.State) (graph.NodeResult, error) {
	n, _ := st.GetInt("records")
	items := make([]any, 0, n)
	for i := int64(0); i < n; i++ {
		items = append(items, fmt.Sprintf("record-%d", i+1))
	}
	st.Set("items", items)
	return graph.NodeResult{Output: len(items)}, nil
}

func parseNode(_ context.Context, st *state.State) (graph.NodeResult, error) {
	v, _ := st.Get("items")
	items, _ := v.([]any)
	parsed := make([]any, 0, len(items))
	for _, it := range items {
		parsed = append(parsed, strings.ToUpper(fmt.Sprint(it)))
	}
	st.Set("parsed", parsed)
	return graph.NodeResult{Output: len(parsed)}, nil
}

func enrichNode(_ context.Context, st *state.State) (graph.NodeResult, error) {
	v, _ := st.Get("items")
	items, _ := v.([]any)
	enriched := make(map[string]any, len(items))
	for i, it := range items {
		enriched[fmt.Sprint(it)] = i + 1
	}
	st.Set("enriched", enriched)
	return graph.NodeResult{Output: len(enriched)}, nil
}

func mergeNode(_ context.Context, st *state.State) (graph.NodeResult, error) {
	v, _ := st.Get("parsed")
	parsed, _ := v.([]any)
	v, _ = st.Get("enriched")
	enriched, _ := v.(map[string]any)
	summary := fmt.Sprintf("%d parsed, %d enriched", len(parsed), len(enriched))
	st.Set("summary", summary)
	return graph.NodeResult{Output: summary, Command: graph.End()}, nil
}

func renderResult(out io.Writer, res *graph.ExecutionResult) error {
	fmt.Fprintf(out, "execution %s %s in %s\n", res.ExecutionID, res.Status, res.Duration.Round(time.Microsecond))
	fmt.Fprintf(out, "path: %s\n", strings.Join(res.Path, " -> "))
	if res.CheckpointID != "" {
		fmt.Fprintf(out, "checkpoint: %s\n", res.CheckpointID)
	}
	if res.CheckpointError != nil {
		fmt.Fprintf(out, "checkpoint error: %v\n", res.CheckpointError)
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Node", "Status", "Attempts", "Duration", "Error"})
	for _, id := range []string{"fetch", "parse", "enrich", "merge"} {
		ne, ok := res.NodeResults[id]
		if !ok {
			t.AppendRow(table.Row{id, "-", "", "", ""})
			continue
		}
		t.AppendRow(table.Row{id, ne.Status, ne.Attempts, ne.Duration.Round(time.Microsecond), ne.Error})
	}
	t.Render()

	var pretty json.RawMessage = res.FinalState
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
