package graph

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/graphflow/graph/emit"
	"github.com/dshills/graphflow/graph/state"
)

// branchResult is the outcome of one node of a parallel batch.
type branchResult struct {
	nodeID  string
	out     *state.State
	outcome CommandOutcome
	err     error
}

// runParallel executes the nodes reachable from the entry points level by
// level. Every node of a level sees the state as it was when the level
// started; the branch states are merged once the level is done.
func (r *run) runParallel(resume *resumePoint) error {
	deps, err := NewDependencyGraph(r.e.graph)
	if err != nil {
		return err
	}
	deps.restrict(deps.Reachable(r.e.graph.EntryPoints()))
	for _, id := range r.completed {
		deps.MarkCompleted(id)
	}
	levels := deps.Levels()

	for i, level := range levels {
		if r.ctx.Err() != nil {
			r.pending = remaining(levels[i:], deps)
			return r.interrupted()
		}

		var todo []string
		for _, id := range level {
			switch {
			case deps.IsCompleted(id) || deps.IsFailed(id):
			case deps.Blocked(id):
				r.record(&NodeExecution{NodeID: id, Status: NodeStatusSkipped, Error: "a dependency failed"})
				deps.MarkFailed(id)
				r.logger.Debug("skipping node with failed dependency", zap.String("node_id", id))
			default:
				todo = append(todo, id)
			}
		}
		r.pending = remaining(levels[i:], deps)
		if len(todo) == 0 {
			continue
		}

		batches, err := r.batches(todo, deps)
		if err != nil {
			return err
		}
		for _, batch := range batches {
			ended, err := r.runBatch(i, batch, deps)
			r.pending = remaining(levels[i:], deps)
			if err != nil {
				return err
			}
			if ended {
				r.pending = nil
				return nil
			}
			r.maybeCheckpoint()
		}
	}
	r.pending = nil
	return nil
}

// remaining lists, in level order, the nodes that have neither completed
// nor failed.
func remaining(levels [][]string, deps *DependencyGraph) []string {
	var out []string
	for _, level := range levels {
		for _, id := range level {
			if !deps.IsCompleted(id) && !deps.IsFailed(id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// batches splits a level so the summed resource hints of every batch fit
// the engine's limits. Longer expected durations are placed first. A node
// that could never fit fails with ResourceLimitExceeded.
func (r *run) batches(todo []string, deps *DependencyGraph) ([][]string, error) {
	limits := r.e.opts.ResourceLimits
	type entry struct {
		id   string
		meta NodeMetadata
		req  ResourceRequirements
	}
	var entries []entry
	for _, id := range todo {
		node, _ := r.e.graph.Node(id)
		meta := node.Metadata()
		var req ResourceRequirements
		if meta.Resources != nil {
			req = *meta.Resources
		}
		if !limits.Admits(req) {
			err := &EngineError{
				Kind:    KindResourceLimitExceeded,
				Code:    "RESOURCE_LIMIT_EXCEEDED",
				NodeID:  id,
				Message: fmt.Sprintf("node %s requires %s which exceeds the limits", id, req),
			}
			r.record(&NodeExecution{NodeID: id, Status: NodeStatusFailed, Error: err.Error()})
			deps.MarkFailed(id)
			r.markFailed(id)
			if r.e.opts.StopOnError {
				return nil, err
			}
			r.logger.Warn("node cannot fit resource limits, skipping", zap.String("node_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, entry{id: id, meta: meta, req: req})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].meta.ExpectedDuration > entries[j].meta.ExpectedDuration
	})

	var out [][]string
	for len(entries) > 0 {
		var (
			batch []string
			usage ResourceUsage
			rest  []entry
		)
		for _, en := range entries {
			if limits.Fits(usage, en.req) {
				batch = append(batch, en.id)
				usage = usage.Add(en.req)
				continue
			}
			rest = append(rest, en)
		}
		out = append(out, batch)
		entries = rest
	}
	return out, nil
}

// runBatch invokes batch against the current state and merges the branch
// states. It reports whether a node ended the run. When the run is cancelled
// or times out mid-batch nothing from the batch is merged, so branches that
// had already finished are neither recorded as executed nor checkpointed as
// completed, and they run again on resume.
func (r *run) runBatch(level int, batch []string, deps *DependencyGraph) (bool, error) {
	if max := r.e.opts.MaxSteps; max > 0 && r.steps+len(batch) > max {
		return false, &EngineError{
			Kind:    KindExecution,
			Code:    "MAX_STEPS_EXCEEDED",
			Message: fmt.Sprintf("execution exceeded %d steps", max),
			Cause:   ErrMaxStepsExceeded,
		}
	}
	r.steps += len(batch)

	base := r.st
	step := r.ectx.Step + 1
	r.e.emitter.Emit(emit.NewEvent(emit.ParallelStarted, r.id, step, "").
		WithMeta("level", level).
		WithMeta("nodes", batch))

	results := make([]branchResult, len(batch))
	invoke := func(i int) error {
		id := batch[i]
		out, outcome, rec, err := r.invokeNode(r.ctx, id, base, step)
		r.record(rec)
		results[i] = branchResult{nodeID: id, out: out, outcome: outcome, err: err}
		if err != nil && isInterruption(err) {
			return err
		}
		return nil
	}

	var g errgroup.Group
	var unsafe []int
	for i, id := range batch {
		node, _ := r.e.graph.Node(id)
		if !node.Metadata().ParallelSafe {
			unsafe = append(unsafe, i)
			continue
		}
		i := i
		g.Go(func() error { return invoke(i) })
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, i := range unsafe {
		if err := invoke(i); err != nil {
			return false, err
		}
	}

	var (
		succeeded []branchResult
		firstErr  error
	)
	for _, res := range results {
		if res.err != nil {
			deps.MarkFailed(res.nodeID)
			r.markFailed(res.nodeID)
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		succeeded = append(succeeded, res)
	}
	if firstErr != nil && r.e.opts.StopOnError {
		r.emitParallelCompleted(step, level, len(succeeded), len(batch)-len(succeeded))
		return false, firstErr
	}
	if firstErr != nil {
		r.logger.Warn("parallel branch failed, continuing", zap.Int("level", level), zap.Error(firstErr))
	}

	if err := r.merge(base, succeeded); err != nil {
		r.emitParallelCompleted(step, level, len(succeeded), len(batch)-len(succeeded))
		return false, err
	}

	ended := false
	for _, res := range succeeded {
		deps.MarkCompleted(res.nodeID)
		r.ectx.Visit(res.nodeID)
		r.result.ExecutedNodes = append(r.result.ExecutedNodes, res.nodeID)
		r.markCompleted(res.nodeID)
		switch res.outcome.Kind {
		case CommandEnd:
			ended = true
		case CommandGoto:
			r.logger.Debug("ignoring goto in parallel mode",
				zap.String("node_id", res.nodeID),
				zap.Strings("targets", res.outcome.Targets),
			)
		}
	}
	if len(succeeded) > 0 {
		r.emitStateUpdated(succeeded[len(succeeded)-1].nodeID)
	}
	r.emitParallelCompleted(step, level, len(succeeded), len(batch)-len(succeeded))
	return ended, nil
}

func (r *run) emitParallelCompleted(step, level, completed, failed int) {
	r.e.emitter.Emit(emit.NewEvent(emit.ParallelCompleted, r.id, step, "").
		WithMeta("level", level).
		WithMeta("completed", completed).
		WithMeta("failed", failed))
}

// merge folds the branch states into the run state key by key. Two
// branches that changed the same key to different values (a write against
// a delete included) conflict; on conflict nothing is merged.
func (r *run) merge(base *state.State, branches []branchResult) error {
	type write struct {
		nodeID  string
		value   any
		deleted bool
	}
	writes := make(map[string]write)
	var order []string
	for _, b := range branches {
		for _, k := range b.out.ChangedKeys(base) {
			v, ok := b.out.Get(k)
			w := write{nodeID: b.nodeID, value: v, deleted: !ok}
			prev, seen := writes[k]
			if !seen {
				writes[k] = w
				order = append(order, k)
				continue
			}
			if prev.deleted == w.deleted && (w.deleted || state.ValuesEqual(prev.value, w.value)) {
				continue
			}
			conflict := "divergent_write"
			if prev.deleted != w.deleted {
				conflict = "write_delete"
			}
			r.e.metrics.IncrementMergeConflicts(r.id, conflict)
			r.logger.Error("merge conflict",
				zap.String("key", k),
				zap.String("first_node", prev.nodeID),
				zap.String("second_node", w.nodeID),
				zap.String("conflict_type", conflict),
			)
			return &EngineError{
				Kind:    KindExecution,
				Code:    "MERGE_CONFLICT",
				Message: fmt.Sprintf("nodes %s and %s wrote different values to %q", prev.nodeID, w.nodeID, k),
				Cause:   ErrMergeConflict,
			}
		}
	}

	updates := make(map[string]any)
	var deletes []string
	for _, k := range order {
		if w := writes[k]; w.deleted {
			deletes = append(deletes, k)
		} else {
			updates[k] = w.value
		}
	}
	if err := r.st.ApplyUpdates(updates); err != nil {
		return &EngineError{Kind: KindExecution, Code: "INVALID_UPDATE", Message: "merging parallel branches", Cause: err}
	}
	for _, k := range deletes {
		r.st.Delete(k)
	}
	return nil
}
