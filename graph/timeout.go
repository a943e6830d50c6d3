package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/graphflow/graph/state"
)

// getNodeTimeout determines the timeout of one node attempt:
//  1. NodePolicy.Timeout (per-node override)
//  2. defaultTimeout (engine-wide)
//
// A positive maxNodeTime caps either. Zero means unlimited.
func getNodeTimeout(policy *NodePolicy, defaultTimeout, maxNodeTime time.Duration) time.Duration {
	timeout := defaultTimeout
	if policy != nil && policy.Timeout > 0 {
		timeout = policy.Timeout
	}
	if maxNodeTime > 0 && (timeout <= 0 || timeout > maxNodeTime) {
		timeout = maxNodeTime
	}
	if timeout < 0 {
		return 0
	}
	return timeout
}

type invokeOutcome struct {
	result NodeResult
	err    error
}

// executeNodeWithTimeout runs one attempt of node bounded by timeout.
//
// The node runs on its own goroutine so the attempt ends as soon as the
// deadline passes or ctx is cancelled, even if the node ignores its
// context. An abandoned node keeps running until it returns; its state is
// discarded by the caller. Panics are converted to a NodeError.
func executeNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	st *state.State,
	timeout time.Duration,
) (NodeResult, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: &NodeError{
					Message: fmt.Sprintf("panic: %v", r),
					Code:    "NODE_PANIC",
					NodeID:  nodeID,
				}}
			}
		}()
		res, err := node.Invoke(attemptCtx, st)
		done <- invokeOutcome{result: res, err: err}
	}()

	timeoutErr := func() error {
		return &EngineError{
			Kind:    KindTimeout,
			Code:    "NODE_TIMEOUT",
			NodeID:  nodeID,
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
		}
	}

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, nil
		}
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return NodeResult{}, timeoutErr()
		}
		return NodeResult{}, out.err
	case <-attemptCtx.Done():
		select {
		case out := <-done:
			if out.err == nil {
				return out.result, nil
			}
		default:
		}
		if ctx.Err() != nil {
			return NodeResult{}, context.Cause(ctx)
		}
		return NodeResult{}, timeoutErr()
	}
}
