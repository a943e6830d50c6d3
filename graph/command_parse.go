package graph

import (
	"regexp"
	"strings"
)

var (
	gotoPattern = regexp.MustCompile(`(?i)\bGOTO:\s*([^\s,;]+)`)
	ifPattern   = regexp.MustCompile(`(?is)\bIF\s+(.+?)\s+THEN\s+([^\s,;]+)\s+ELSE\s+([^\s,;]+)`)
	endPattern  = regexp.MustCompile(`(?im)^\s*END\b`)
)

// ParseCommand extracts a routing directive from unstructured node output.
// It recognises, case-insensitively and in this order:
//
//	GOTO: <node>
//	IF <condition> THEN <node> ELSE <node>
//	END (at the start of a line)
//
// Anything else is Continue. Targets are not checked against a graph; the
// engine validates the command when it is applied.
func ParseCommand(text string) *Command {
	if m := gotoPattern.FindStringSubmatch(text); m != nil {
		return Goto(trimTarget(m[1]))
	}
	if m := ifPattern.FindStringSubmatch(text); m != nil {
		return Conditional(strings.TrimSpace(m[1]), trimTarget(m[2]), trimTarget(m[3]))
	}
	if endPattern.MatchString(text) {
		return End()
	}
	return Continue()
}

func trimTarget(s string) string {
	return strings.TrimRight(s, ".!?:")
}
