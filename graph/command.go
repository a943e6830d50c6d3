package graph

import (
	"fmt"

	"github.com/dshills/graphflow/graph/state"
)

// CommandKind identifies a routing directive.
type CommandKind int

const (
	CommandContinue CommandKind = iota
	CommandGoto
	CommandEnd
	CommandConditional
	CommandParallel
)

func (k CommandKind) String() string {
	switch k {
	case CommandContinue:
		return "continue"
	case CommandGoto:
		return "goto"
	case CommandEnd:
		return "end"
	case CommandConditional:
		return "conditional"
	case CommandParallel:
		return "parallel"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is a routing directive returned by a node to override edge-based
// routing. Every variant except Continue may carry state updates, applied
// atomically before the jump or termination.
//
// Example:
//
//	return graph.NodeResult{
//	    Command: graph.Goto("review").With("draft", text),
//	}, nil
type Command struct {
	Kind CommandKind

	// Target is the destination of Goto.
	Target string

	// Condition is descriptive text for Conditional. It is not evaluated:
	// a Conditional command always routes to IfTrue.
	Condition string
	IfTrue    string
	IfFalse   string

	// Targets are the destinations of Parallel.
	Targets []string

	// Updates are applied to the state before routing.
	Updates map[string]any
}

// Continue defers to the outgoing edges.
func Continue() *Command {
	return &Command{Kind: CommandContinue}
}

// Goto jumps directly to target.
func Goto(target string) *Command {
	return &Command{Kind: CommandGoto, Target: target}
}

// End terminates the run successfully.
func End() *Command {
	return &Command{Kind: CommandEnd}
}

// Conditional routes to ifTrue. Both targets must exist.
func Conditional(condition, ifTrue, ifFalse string) *Command {
	return &Command{Kind: CommandConditional, Condition: condition, IfTrue: ifTrue, IfFalse: ifFalse}
}

// Parallel continues with every listed node.
func Parallel(targets ...string) *Command {
	return &Command{Kind: CommandParallel, Targets: targets}
}

// With adds a state update and returns c.
func (c *Command) With(key string, value any) *Command {
	if c.Updates == nil {
		c.Updates = make(map[string]any)
	}
	c.Updates[key] = value
	return c
}

// WithUpdates adds every update in m and returns c.
func (c *Command) WithUpdates(m map[string]any) *Command {
	for k, v := range m {
		c.With(k, v)
	}
	return c
}

// Validate checks the command against g without touching any state.
func (c *Command) Validate(g *Graph) error {
	switch c.Kind {
	case CommandContinue:
		if len(c.Updates) > 0 {
			return validationf("INVALID_COMMAND", "", "continue cannot carry state updates")
		}
	case CommandEnd:
	case CommandGoto:
		if !g.HasNode(c.Target) {
			return validationf("UNKNOWN_TARGET", c.Target, "goto target is not a graph node: %q", c.Target)
		}
	case CommandConditional:
		for _, t := range []string{c.IfTrue, c.IfFalse} {
			if !g.HasNode(t) {
				return validationf("UNKNOWN_TARGET", t, "conditional target is not a graph node: %q", t)
			}
		}
	case CommandParallel:
		if len(c.Targets) == 0 {
			return validationf("INVALID_COMMAND", "", "parallel command has no targets")
		}
		for _, t := range c.Targets {
			if !g.HasNode(t) {
				return validationf("UNKNOWN_TARGET", t, "parallel target is not a graph node: %q", t)
			}
		}
	default:
		return validationf("INVALID_COMMAND", "", "unknown command kind %s", c.Kind)
	}
	for k := range c.Updates {
		if k == "" {
			return validationf("INVALID_COMMAND", "", "state update key cannot be empty")
		}
	}
	return nil
}

// CommandOutcome is what the run loop does after a command is applied.
type CommandOutcome struct {
	// Kind is CommandContinue (consult the edges), CommandEnd, or
	// CommandGoto for any direct jump.
	Kind    CommandKind
	Targets []string
}

// ApplyCommand validates cmd against g, applies its updates to st as one
// atomic mutation and returns what to do next. A nil cmd is Continue. On
// any error st is left untouched.
func ApplyCommand(g *Graph, cmd *Command, st *state.State) (CommandOutcome, error) {
	if cmd == nil {
		return CommandOutcome{Kind: CommandContinue}, nil
	}
	if err := cmd.Validate(g); err != nil {
		return CommandOutcome{}, err
	}
	if err := st.ApplyUpdates(cmd.Updates); err != nil {
		return CommandOutcome{}, &EngineError{Kind: KindValidation, Code: "INVALID_UPDATE", Message: "command updates rejected", Cause: err}
	}

	switch cmd.Kind {
	case CommandGoto:
		return CommandOutcome{Kind: CommandGoto, Targets: []string{cmd.Target}}, nil
	case CommandEnd:
		return CommandOutcome{Kind: CommandEnd}, nil
	case CommandConditional:
		return CommandOutcome{Kind: CommandGoto, Targets: []string{cmd.IfTrue}}, nil
	case CommandParallel:
		return CommandOutcome{Kind: CommandGoto, Targets: dedupe(cmd.Targets)}, nil
	}
	return CommandOutcome{Kind: CommandContinue}, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
