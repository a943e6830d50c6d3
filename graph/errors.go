// Package graph provides the core graph execution engine for graphflow.
package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors by how they propagate.
//
//   - KindStructural: missing reference, cycle, missing entry/exit. Fatal at
//     build time, never retried.
//   - KindValidation: bad node, condition, router or command input. Fatal to
//     the current attempt, not retried.
//   - KindExecution: node runtime failure. Retried per policy.
//   - KindTimeout: a node attempt or the whole run ran out of time.
//   - KindResourceLimitExceeded / KindQuotaExceeded: rejected at admission.
//   - KindCheckpoint: checkpoint I/O or codec failure.
type ErrorKind int

const (
	KindStructural ErrorKind = iota + 1
	KindValidation
	KindExecution
	KindTimeout
	KindResourceLimitExceeded
	KindQuotaExceeded
	KindCheckpoint
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindResourceLimitExceeded:
		return "resource_limit_exceeded"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kind sentinels. An *EngineError matches the sentinel of its Kind through
// errors.Is, so callers can write errors.Is(err, graph.ErrStructural).
var (
	ErrStructural            = errors.New("structural error")
	ErrValidation            = errors.New("validation error")
	ErrExecution             = errors.New("execution error")
	ErrTimeout               = errors.New("timeout")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrCheckpoint            = errors.New("checkpoint error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindStructural:
		return ErrStructural
	case KindValidation:
		return ErrValidation
	case KindExecution:
		return ErrExecution
	case KindTimeout:
		return ErrTimeout
	case KindResourceLimitExceeded:
		return ErrResourceLimitExceeded
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindCheckpoint:
		return ErrCheckpoint
	}
	return nil
}

// ErrMaxStepsExceeded indicates that the run reached the maximum allowed
// number of node invocations without completing.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrMaxAttemptsExceeded is returned when a node fails more times than its
// retry policy allows.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrMergeConflict is returned when two parallel branches wrote different
// values to the same state key.
var ErrMergeConflict = errors.New("parallel branches wrote conflicting values")

// ErrCancelled is the cancellation cause of a run stopped through
// Engine.Cancel.
var ErrCancelled = errors.New("execution cancelled")

// ErrRunTimeout is the cancellation cause of a run that exceeded its total
// timeout.
var ErrRunTimeout = errors.New("execution exceeded total timeout")

// EngineError is the error type returned by graph construction, routing,
// admission and execution.
type EngineError struct {
	// Kind classifies the error. Zero is treated as KindExecution.
	Kind ErrorKind

	// Code is a stable machine-readable identifier, e.g. "NODE_NOT_FOUND".
	Code string

	// Message describes the problem and names the offending id.
	Message string

	// NodeID is the node involved, when there is one.
	NodeID string

	// Cause is the wrapped underlying error.
	Cause error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's Kind.
func (e *EngineError) Is(target error) bool {
	kind := e.Kind
	if kind == 0 {
		kind = KindExecution
	}
	return target != nil && target == kind.sentinel()
}

// KindOf returns the Kind of the first *EngineError in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Kind == 0 {
			return KindExecution
		}
		return ee.Kind
	}
	return 0
}

func structuralf(code, nodeID, format string, args ...any) *EngineError {
	return &EngineError{Kind: KindStructural, Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

func validationf(code, nodeID, format string, args ...any) *EngineError {
	return &EngineError{Kind: KindValidation, Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}
