package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/graphflow/graph/checkpoint"
	"github.com/dshills/graphflow/graph/emit"
	"github.com/dshills/graphflow/graph/state"
)

// ExecutionStatus is the terminal status of a run.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusCancelled ExecutionStatus = "cancelled"
)

// NodeStatus is the outcome of one node within a run.
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// NodeExecution records the latest execution of one node.
type NodeExecution struct {
	NodeID        string        `json:"node_id"`
	Status        NodeStatus    `json:"status"`
	Attempts      int           `json:"attempts"`
	RetryAttempts int           `json:"retry_attempts"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	Output        any           `json:"output,omitempty"`
}

// ExecutionResult is returned by every run, whatever its outcome.
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`

	// FinalState is the state JSON at the end of the run.
	FinalState json.RawMessage `json:"final_state"`
	State      *state.State    `json:"-"`

	Duration time.Duration `json:"duration"`

	// ExecutedNodes lists the nodes that completed during this call, in
	// completion order. Path is the full visited path, including nodes
	// completed before a resume.
	ExecutedNodes []string `json:"executed_nodes"`
	Path          []string `json:"path"`

	NodeResults map[string]*NodeExecution `json:"node_results"`

	// Error is the run-fatal error, nil on success.
	Error error `json:"-"`

	// CheckpointID is the last checkpoint written, if any.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// CheckpointError is the last checkpoint failure. It never changes the
	// run's status.
	CheckpointError error `json:"-"`
}

// Succeeded reports whether the run completed.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusCompleted
}

const (
	codeRunTimeout = "RUN_TIMEOUT"
	codeCancelled  = "CANCELLED"
)

// Engine executes a Graph.
//
// The Engine is the core runtime that:
//   - Drives runs in sequential or leveled-parallel mode
//   - Retries failed node attempts with exponential backoff and jitter
//   - Bounds attempts, runs and invocation counts by time and steps
//   - Merges parallel branch states key-wise, failing on conflicts
//   - Persists checkpoints and resumes from them
//   - Emits lifecycle events and Prometheus metrics
//
// One Engine may run many executions concurrently; a single semaphore of
// MaxConcurrency bounds node invocations across all of them.
//
// Example:
//
//	engine, err := graph.New(g,
//	    graph.WithParallel(true),
//	    graph.WithTotalTimeout(time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	result := engine.Execute(ctx, state.FromMap(map[string]any{"query": "hello"}))
//	if !result.Succeeded() {
//	    return result.Error
//	}
type Engine struct {
	graph       *Graph
	opts        Options
	logger      *zap.Logger
	emitter     emit.Emitter
	metrics     *PrometheusMetrics
	checkpoints *checkpoint.Manager

	sem      *semaphore.Weighted
	inflight atomic.Int64

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// New validates g and the options and returns an Engine.
func New(g *Graph, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, structuralf("INVALID_GRAPH", "", "graph cannot be nil")
	}
	cfg := engineConfig{opts: DefaultOptions()}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.opts.CheckpointingEnabled && cfg.checkpoints == nil {
		return nil, validationf("INVALID_OPTIONS", "", "checkpointing enabled without a checkpoint manager")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if cfg.opts.MaxNodes > 0 && g.NodeCount() > cfg.opts.MaxNodes {
		return nil, &EngineError{
			Kind:    KindResourceLimitExceeded,
			Code:    "TOO_MANY_NODES",
			Message: fmt.Sprintf("graph has %d nodes, limit is %d", g.NodeCount(), cfg.opts.MaxNodes),
		}
	}
	if cfg.opts.ParallelExecution {
		if _, err := NewDependencyGraph(g); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}

	return &Engine{
		graph:       g,
		opts:        cfg.opts,
		logger:      cfg.logger,
		emitter:     cfg.emitter,
		metrics:     cfg.metrics,
		checkpoints: cfg.checkpoints,
		sem:         semaphore.NewWeighted(int64(cfg.opts.MaxConcurrency)),
		active:      make(map[string]context.CancelCauseFunc),
	}, nil
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Execute runs the graph from its entry points under a fresh execution id.
func (e *Engine) Execute(ctx context.Context, initial *state.State) *ExecutionResult {
	return e.ExecuteWithID(ctx, "", initial)
}

// ExecuteWithID runs the graph under executionID. An empty id is replaced
// by a UUID. initial is cloned; the caller's state is never modified.
func (e *Engine) ExecuteWithID(ctx context.Context, executionID string, initial *state.State) *ExecutionResult {
	st := state.New()
	if initial != nil {
		st = initial.Clone()
	}
	return e.execute(ctx, state.NewExecutionContext(executionID), st, nil)
}

// Resume continues the execution captured by checkpointID: its context,
// state, completed nodes and pending frontier are restored and the run
// carries on under the original execution id.
func (e *Engine) Resume(ctx context.Context, checkpointID string) *ExecutionResult {
	if e.checkpoints == nil {
		return failedResult("", validationf("NO_CHECKPOINT_MANAGER", "", "resume requires a checkpoint manager"))
	}
	cp, err := e.checkpoints.Restore(ctx, checkpointID)
	if err != nil {
		return failedResult("", &EngineError{
			Kind:    KindCheckpoint,
			Code:    "RESTORE_FAILED",
			Message: fmt.Sprintf("cannot restore checkpoint %s", checkpointID),
			Cause:   err,
		})
	}
	ectx := cp.Context.Clone()
	ectx.EndTime = time.Time{}
	return e.execute(ctx, ectx, cp.State.Clone(), &resumePoint{
		checkpointID: cp.ID,
		completed:    cp.Completed,
		pending:      cp.Pending,
		routeFrom:    cp.Metadata[metaRouteFrom],
	})
}

// Cancel stops a running execution. It reports whether the id was active.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Active returns the ids of running executions, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func failedResult(executionID string, err error) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:   executionID,
		Status:        StatusFailed,
		FinalState:    json.RawMessage("null"),
		ExecutedNodes: []string{},
		Path:          []string{},
		NodeResults:   make(map[string]*NodeExecution),
		Error:         err,
	}
}

// metaRouteFrom names the completed node whose outgoing edges still have
// to be resolved when a checkpoint is resumed.
const metaRouteFrom = "route_from"

type resumePoint struct {
	checkpointID string
	completed    []string
	pending      []string
	routeFrom    string
}

// run is the mutable bookkeeping of one execution.
type run struct {
	e        *Engine
	ctx      context.Context
	id       string
	ectx     *state.ExecutionContext
	st       *state.State
	resolver *Resolver
	jitter   *lockedRand
	logger   *zap.Logger
	result   *ExecutionResult

	steps          int
	completed      []string
	failed         []string
	pending        []string
	routeFrom      string
	lastCheckpoint time.Time

	mu sync.Mutex // guards result.NodeResults
}

func (e *Engine) mode() string {
	if e.opts.ParallelExecution {
		return "parallel"
	}
	return "sequential"
}

func (e *Engine) execute(parent context.Context, ectx *state.ExecutionContext, st *state.State, resume *resumePoint) *ExecutionResult {
	start := time.Now()
	id := ectx.ExecutionID

	runCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if e.opts.TotalTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, e.opts.TotalTimeout, ErrRunTimeout)
		defer cancelTimeout()
	}

	e.mu.Lock()
	if _, running := e.active[id]; running {
		e.mu.Unlock()
		return failedResult(id, validationf("DUPLICATE_EXECUTION", "", "execution %s is already running", id))
	}
	e.active[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()

	seed := e.opts.Seed
	if seed == 0 {
		seed = seedFromID(id)
	}
	r := &run{
		e:              e,
		ctx:            runCtx,
		id:             id,
		ectx:           ectx,
		st:             st,
		resolver:       NewResolver(e.graph, seed),
		jitter:         newLockedRand(jitterSeed(seed)),
		logger:         e.logger.With(zap.String("execution_id", id)),
		lastCheckpoint: start,
		result: &ExecutionResult{
			ExecutionID:   id,
			ExecutedNodes: []string{},
			NodeResults:   make(map[string]*NodeExecution),
		},
	}
	if resume != nil {
		r.completed = append(r.completed, resume.completed...)
		r.result.CheckpointID = resume.checkpointID
	}

	started := emit.NewEvent(emit.ExecutionStarted, id, ectx.Step, "").WithMeta("mode", e.mode())
	if resume != nil {
		started = started.WithMeta("resumed_from", resume.checkpointID)
	}
	e.emitter.Emit(started)
	r.logger.Info("execution started", zap.String("mode", e.mode()), zap.Bool("resumed", resume != nil))

	var err error
	if e.opts.ParallelExecution {
		err = r.runParallel(resume)
	} else {
		err = r.runSequential(resume)
	}
	r.finish(parent, err, start)
	return r.result
}

func (r *run) runSequential(resume *resumePoint) error {
	pending := r.e.graph.EntryPoints()
	if resume != nil {
		pending = append([]string(nil), resume.pending...)
	}
	r.pending = pending

	if resume != nil && resume.routeFrom != "" {
		if err := r.route(resume.routeFrom, &pending); err != nil {
			return err
		}
	}

	for len(pending) > 0 {
		if r.ctx.Err() != nil {
			return r.interrupted()
		}
		if max := r.e.opts.MaxSteps; max > 0 && r.steps >= max {
			return &EngineError{
				Kind:    KindExecution,
				Code:    "MAX_STEPS_EXCEEDED",
				Message: fmt.Sprintf("execution exceeded %d steps", max),
				Cause:   ErrMaxStepsExceeded,
			}
		}

		nodeID := pending[0]
		r.steps++
		if r.ectx.Visited(nodeID) {
			r.logger.Debug("node revisited", zap.String("node_id", nodeID), zap.Int("step", r.ectx.Step+1))
		}

		out, outcome, rec, err := r.invokeNode(r.ctx, nodeID, r.st, r.ectx.Step+1)
		r.record(rec)
		if err != nil {
			if isInterruption(err) {
				return err
			}
			r.markFailed(nodeID)
			if r.e.opts.StopOnError {
				return err
			}
			r.logger.Warn("node failed, continuing", zap.String("node_id", nodeID), zap.Error(err))
			pending = pending[1:]
			r.pending = pending
			continue
		}

		pending = pending[1:]
		r.st = out
		r.ectx.Visit(nodeID)
		r.result.ExecutedNodes = append(r.result.ExecutedNodes, nodeID)
		r.markCompleted(nodeID)
		r.emitStateUpdated(nodeID)

		switch outcome.Kind {
		case CommandEnd:
			r.pending = nil
			return nil
		case CommandGoto:
			pending = appendMissing(pending, outcome.Targets)
			r.pending = pending
		default:
			if err := r.route(nodeID, &pending); err != nil {
				return err
			}
		}
		r.maybeCheckpoint()
	}
	return nil
}

// route resolves the outgoing edges of the completed node nodeID and queues
// the targets. While resolution is unfinished r.routeFrom holds nodeID, so a
// checkpoint taken after a routing error or interruption can redo it.
func (r *run) route(nodeID string, pending *[]string) error {
	r.routeFrom = nodeID
	r.pending = *pending
	res, err := r.resolver.ResolveNext(r.ctx, nodeID, r.st, r.e.opts.RoutingStrategy)
	if err != nil {
		if r.ctx.Err() != nil {
			return r.interrupted()
		}
		return err
	}
	r.routeFrom = ""
	*pending = appendMissing(*pending, res.Targets)
	r.pending = *pending
	return nil
}

func appendMissing(pending, targets []string) []string {
	for _, t := range targets {
		if !contains(pending, t) {
			pending = append(pending, t)
		}
	}
	return pending
}

// invokeNode runs nodeID with retries against a private clone of in. On
// success it returns the clone, carrying the node's mutations and its
// command updates; in is never modified.
func (r *run) invokeNode(ctx context.Context, nodeID string, in *state.State, step int) (*state.State, CommandOutcome, *NodeExecution, error) {
	rec := &NodeExecution{NodeID: nodeID}
	node, ok := r.e.graph.Node(nodeID)
	if !ok {
		err := structuralf("NODE_NOT_FOUND", nodeID, "node not found during execution: %s", nodeID)
		rec.Status, rec.Error = NodeStatusFailed, err.Error()
		return nil, CommandOutcome{}, rec, err
	}
	policy := policyOf(node)
	retry := r.e.opts.Retry
	if policy != nil && policy.RetryPolicy != nil {
		retry = *policy.RetryPolicy
	}
	timeout := getNodeTimeout(policy, r.e.opts.NodeTimeout, r.e.opts.MaxNodeTime)
	meta := node.Metadata()

	start := time.Now()
	if err := r.e.sem.Acquire(ctx, 1); err != nil {
		rec.Status, rec.Error = NodeStatusCancelled, "not started"
		return nil, CommandOutcome{}, rec, r.interrupted()
	}
	defer r.e.sem.Release(1)
	r.e.metrics.UpdateInflightNodes(int(r.e.inflight.Add(1)))
	defer func() { r.e.metrics.UpdateInflightNodes(int(r.e.inflight.Add(-1))) }()

	r.e.emitter.Emit(emit.NewEvent(emit.NodeStarted, r.id, step, nodeID))

	var (
		out     *state.State
		outcome CommandOutcome
		output  any
		lastErr error
	)
	op := func() error {
		rec.Attempts++
		attempt := in.Clone()
		res, err := executeNodeWithTimeout(ctx, node, nodeID, attempt, timeout)
		if err == nil {
			err = checkWrites(nodeID, meta, in, attempt)
		}
		if err == nil {
			outcome, err = ApplyCommand(r.e.graph, res.Command, attempt)
		}
		if err == nil {
			out, output = attempt, res.Output
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retry.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		rec.RetryAttempts++
		reason := "error"
		if errors.Is(err, ErrTimeout) {
			reason = "timeout"
		}
		r.e.metrics.IncrementRetries(r.id, nodeID, reason)
		r.logger.Debug("retrying node",
			zap.String("node_id", nodeID),
			zap.Int("attempt", rec.Attempts+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(newRetryBackOff(&retry, r.jitter), ctx), notify)
	rec.Duration = time.Since(start)

	if err == nil {
		rec.Status, rec.Output = NodeStatusCompleted, output
		r.e.metrics.RecordStepLatency(r.id, nodeID, rec.Duration, "success")
		r.e.emitter.Emit(emit.NewEvent(emit.NodeCompleted, r.id, step, nodeID).
			WithMeta("duration_ms", rec.Duration.Milliseconds()).
			WithMeta("success", true).
			WithMeta("attempts", rec.Attempts))
		return out, outcome, rec, nil
	}

	if ctx.Err() != nil {
		rec.Status, rec.Error = NodeStatusCancelled, context.Cause(ctx).Error()
		return nil, CommandOutcome{}, rec, r.interrupted()
	}

	cause := lastErr
	if cause == nil {
		cause = err
	}
	if rec.Attempts >= retry.MaxAttempts && retry.MaxAttempts > 1 && retry.retryable(cause) {
		cause = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, cause)
	}
	kind := KindOf(cause)
	if kind == 0 {
		kind = KindExecution
	}
	nodeErr := &EngineError{
		Kind:    kind,
		Code:    "NODE_FAILED",
		NodeID:  nodeID,
		Message: fmt.Sprintf("node %s failed after %d attempt(s)", nodeID, rec.Attempts),
		Cause:   cause,
	}
	rec.Status, rec.Error = NodeStatusFailed, nodeErr.Error()

	status := "error"
	if kind == KindTimeout {
		status = "timeout"
	}
	r.e.metrics.RecordStepLatency(r.id, nodeID, rec.Duration, status)
	r.e.emitter.Emit(emit.NewEvent(emit.NodeFailed, r.id, step, nodeID).
		WithMeta("duration_ms", rec.Duration.Milliseconds()).
		WithMeta("success", false).
		WithMeta("attempts", rec.Attempts).
		WithMeta("error", nodeErr.Error()))
	return nil, CommandOutcome{}, rec, nodeErr
}

// checkWrites enforces NodeMetadata.WriteKeys.
func checkWrites(nodeID string, meta NodeMetadata, before, after *state.State) error {
	if len(meta.WriteKeys) == 0 {
		return nil
	}
	for _, k := range after.ChangedKeys(before) {
		if !contains(meta.WriteKeys, k) {
			return validationf("UNDECLARED_WRITE", nodeID, "node %s wrote undeclared state key %q", nodeID, k)
		}
	}
	return nil
}

func (r *run) interrupted() error {
	cause := context.Cause(r.ctx)
	if errors.Is(cause, ErrRunTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return &EngineError{Kind: KindTimeout, Code: codeRunTimeout, Message: "execution exceeded its time budget", Cause: cause}
	}
	return &EngineError{Kind: KindExecution, Code: codeCancelled, Message: "execution cancelled", Cause: cause}
}

func isInterruption(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && (ee.Code == codeRunTimeout || ee.Code == codeCancelled)
}

func statusOf(err error) ExecutionStatus {
	var ee *EngineError
	if err == nil {
		return StatusCompleted
	}
	if errors.As(err, &ee) {
		switch ee.Code {
		case codeRunTimeout:
			return StatusTimedOut
		case codeCancelled:
			return StatusCancelled
		}
	}
	return StatusFailed
}

func (r *run) record(rec *NodeExecution) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.NodeResults[rec.NodeID] = rec
}

func (r *run) markCompleted(id string) {
	if !contains(r.completed, id) {
		r.completed = append(r.completed, id)
	}
	r.failed = without(r.failed, id)
}

func (r *run) markFailed(id string) {
	if !contains(r.failed, id) {
		r.failed = append(r.failed, id)
	}
}

func (r *run) emitStateUpdated(nodeID string) {
	ev := emit.NewEvent(emit.StateUpdated, r.id, r.ectx.Step, nodeID).WithMeta("version", r.st.Version())
	if r.e.opts.StreamingEnabled {
		data, err := json.Marshal(r.st)
		if err != nil {
			r.logger.Warn("failed to serialize state for streaming", zap.Error(err))
		} else {
			ev = ev.WithMeta("state", data)
		}
	}
	r.e.emitter.Emit(ev)
}

func (r *run) maybeCheckpoint() {
	interval := r.e.opts.CheckpointInterval
	if !r.e.opts.CheckpointingEnabled || interval <= 0 {
		return
	}
	if time.Since(r.lastCheckpoint) >= interval {
		r.checkpoint(r.ctx, "interval")
	}
}

func (r *run) checkpoint(ctx context.Context, trigger string) {
	opts := []checkpoint.CreateOption{
		checkpoint.WithCompleted(r.completed...),
		checkpoint.WithFailed(r.failed...),
		checkpoint.WithPending(r.pending...),
		checkpoint.WithMetadata("trigger", trigger),
		checkpoint.WithMetadata("mode", r.e.mode()),
	}
	if r.routeFrom != "" {
		opts = append(opts, checkpoint.WithMetadata(metaRouteFrom, r.routeFrom))
	}
	cp, err := r.e.checkpoints.CreateCheckpoint(ctx, r.id, r.ectx, r.st, opts...)
	r.lastCheckpoint = time.Now()
	if err != nil {
		r.logger.Warn("checkpoint failed", zap.String("trigger", trigger), zap.Error(err))
		r.result.CheckpointError = &EngineError{Kind: KindCheckpoint, Code: "CHECKPOINT_FAILED", Message: "checkpoint " + trigger, Cause: err}
		return
	}
	r.result.CheckpointID = cp.ID
	r.e.emitter.Emit(emit.NewEvent(emit.Custom, r.id, r.ectx.Step, "").
		WithMeta("checkpoint_id", cp.ID).
		WithMeta("trigger", trigger))
}

func (r *run) finish(parent context.Context, err error, start time.Time) {
	status := statusOf(err)
	r.ectx.Finish(time.Now().UTC())

	res := r.result
	res.Status = status
	res.Error = err
	res.State = r.st
	res.Path = append([]string{}, r.ectx.Path...)
	if data, merr := json.Marshal(r.st); merr == nil {
		res.FinalState = data
	} else {
		res.FinalState = json.RawMessage("null")
		r.logger.Warn("failed to serialize final state", zap.Error(merr))
	}

	if r.e.opts.CheckpointingEnabled {
		trigger := "completion"
		if status != StatusCompleted {
			trigger = "failure"
		}
		// The run context may already be done; the final checkpoint still
		// has to be written.
		r.checkpoint(context.WithoutCancel(parent), trigger)
	}
	res.Duration = time.Since(start)
	r.e.metrics.IncrementExecutions(string(status))

	if err == nil {
		r.e.emitter.Emit(emit.NewEvent(emit.ExecutionCompleted, r.id, r.ectx.Step, "").
			WithMeta("duration_ms", res.Duration.Milliseconds()).
			WithMeta("status", string(status)))
		r.logger.Info("execution completed",
			zap.Duration("duration", res.Duration),
			zap.Int("executed_nodes", len(res.ExecutedNodes)),
		)
		return
	}
	r.e.emitter.Emit(emit.NewEvent(emit.ExecutionFailed, r.id, r.ectx.Step, "").
		WithMeta("duration_ms", res.Duration.Milliseconds()).
		WithMeta("status", string(status)).
		WithMeta("error", err.Error()))
	r.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", res.Duration),
		zap.Error(err),
	)
}
