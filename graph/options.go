package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/graphflow/graph/checkpoint"
	"github.com/dshills/graphflow/graph/emit"
)

// Defaults applied by DefaultOptions.
const (
	DefaultMaxConcurrency = 10
	DefaultNodeTimeout    = 300 * time.Second
	DefaultMaxSteps       = 1000
)

// Options configures Engine execution behavior.
//
// Start from DefaultOptions; the zero value disables retries and timeouts.
type Options struct {
	// MaxConcurrency bounds simultaneously executing nodes across every run
	// of one Engine.
	MaxConcurrency int

	// NodeTimeout bounds each node attempt unless the node's policy says
	// otherwise. Zero means unlimited.
	NodeTimeout time.Duration

	// TotalTimeout bounds a whole run. Zero means unlimited.
	TotalTimeout time.Duration

	// ParallelExecution selects leveled-parallel mode instead of
	// sequential mode. Levels are computed from the edges alone: every node
	// reachable from an entry point runs, including both targets of a
	// conditional edge and every candidate of a dynamic or weighted edge.
	// Conditions and routers are not evaluated and Goto commands are
	// ignored.
	ParallelExecution bool

	// CheckpointingEnabled persists checkpoints through the checkpoint
	// manager: every CheckpointInterval, at the end of the run and on
	// failure. A zero interval only checkpoints at the end and on failure.
	CheckpointingEnabled bool
	CheckpointInterval   time.Duration

	// StreamingEnabled attaches the state JSON to StateUpdated events.
	StreamingEnabled bool

	// Retry is the engine-wide retry policy.
	Retry RetryPolicy

	// ResourceLimits bound the summed resource hints of nodes running
	// concurrently within a level.
	ResourceLimits ResourceLimits

	// MaxNodeTime caps every node timeout. Zero means no cap.
	MaxNodeTime time.Duration

	// MaxNodes rejects graphs with more nodes. Zero means unlimited.
	MaxNodes int

	// MaxSteps bounds node invocations per run. Zero means unlimited.
	MaxSteps int

	// StopOnError aborts the run when a node fails for good. Otherwise the
	// failure is recorded and the run goes on without that node's
	// successors.
	StopOnError bool

	// RoutingStrategy picks among a node's passing outgoing edges.
	RoutingStrategy RoutingStrategy

	// Seed seeds weighted routing and retry jitter. Zero derives the seed
	// from the execution id.
	Seed int64
}

// DefaultOptions returns the documented defaults: 10 concurrent nodes,
// 300s node timeout, the default retry policy, 1000 steps and stop on
// error.
func DefaultOptions() Options {
	return Options{
		MaxConcurrency: DefaultMaxConcurrency,
		NodeTimeout:    DefaultNodeTimeout,
		Retry:          DefaultRetryPolicy(),
		MaxSteps:       DefaultMaxSteps,
		StopOnError:    true,
	}
}

// Validate checks the options' constraints.
func (o Options) Validate() error {
	if o.MaxConcurrency < 1 {
		return validationf("INVALID_OPTIONS", "", "max concurrency must be >= 1, got %d", o.MaxConcurrency)
	}
	if o.NodeTimeout < 0 || o.TotalTimeout < 0 || o.MaxNodeTime < 0 || o.CheckpointInterval < 0 {
		return validationf("INVALID_OPTIONS", "", "durations cannot be negative")
	}
	if o.MaxSteps < 0 || o.MaxNodes < 0 {
		return validationf("INVALID_OPTIONS", "", "max steps and max nodes cannot be negative")
	}
	if err := o.Retry.Validate(); err != nil {
		return &EngineError{Kind: KindValidation, Code: "INVALID_OPTIONS", Message: "retry policy", Cause: err}
	}
	if o.RoutingStrategy < RouteAll || o.RoutingStrategy > RouteRoundRobin {
		return validationf("INVALID_OPTIONS", "", "unknown routing strategy %d", int(o.RoutingStrategy))
	}
	return nil
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(g,
//	    graph.WithParallel(true),
//	    graph.WithMaxConcurrency(16),
//	    graph.WithNodeTimeout(10*time.Second),
//	    graph.WithLogger(logger),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	opts        Options
	logger      *zap.Logger
	emitter     emit.Emitter
	metrics     *PrometheusMetrics
	checkpoints *checkpoint.Manager
}

// WithOptions replaces every setting with opts. Later options still apply
// on top.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithLogger sets the structured logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		cfg.logger = l
		return nil
	}
}

// WithEmitter sets the lifecycle event emitter. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return fmt.Errorf("emitter cannot be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithCheckpointManager enables checkpointing through m.
func WithCheckpointManager(m *checkpoint.Manager) Option {
	return func(cfg *engineConfig) error {
		if m == nil {
			return fmt.Errorf("checkpoint manager cannot be nil")
		}
		cfg.checkpoints = m
		cfg.opts.CheckpointingEnabled = true
		return nil
	}
}

// WithMaxConcurrency bounds simultaneously executing nodes.
func WithMaxConcurrency(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrency = n
		return nil
	}
}

// WithNodeTimeout sets the default per-attempt node timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.NodeTimeout = d
		return nil
	}
}

// WithTotalTimeout bounds a whole run. When exceeded the run ends with
// status TimedOut.
func WithTotalTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.TotalTimeout = d
		return nil
	}
}

// WithParallel selects leveled-parallel mode, which runs every reachable
// node regardless of edge conditions. See Options.ParallelExecution.
func WithParallel(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.ParallelExecution = enabled
		return nil
	}
}

// WithCheckpointInterval sets the minimum time between periodic
// checkpoints.
func WithCheckpointInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.CheckpointInterval = d
		return nil
	}
}

// WithStreaming attaches the state JSON to StateUpdated events.
func WithStreaming(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.StreamingEnabled = enabled
		return nil
	}
}

// WithRetryPolicy sets the engine-wide retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.Retry = p
		return nil
	}
}

// WithResourceLimits bounds the resource hints of concurrently running
// nodes.
func WithResourceLimits(l ResourceLimits) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.ResourceLimits = l
		return nil
	}
}

// WithMaxNodeTime caps every node timeout.
func WithMaxNodeTime(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxNodeTime = d
		return nil
	}
}

// WithMaxNodes rejects graphs with more than n nodes.
func WithMaxNodes(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxNodes = n
		return nil
	}
}

// WithMaxSteps limits node invocations per run to prevent runaway loops.
// When exceeded the run fails with ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithStopOnError controls whether a failed node aborts the run.
func WithStopOnError(stop bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.StopOnError = stop
		return nil
	}
}

// WithRoutingStrategy sets how a node's passing outgoing edges are chosen.
func WithRoutingStrategy(s RoutingStrategy) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RoutingStrategy = s
		return nil
	}
}

// WithSeed fixes the seed of weighted routing and retry jitter.
func WithSeed(seed int64) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Seed = seed
		return nil
	}
}
