// graphctl inspects graphflow configuration and checkpoints and runs a demo
// workflow against them.
//
// Usage:
//
//	graphctl config validate --config graphflow.yaml
//	graphctl config show --config graphflow.toml --output json
//	graphctl checkpoint list [--execution <id>]
//	graphctl checkpoint show <checkpoint-id>
//	graphctl checkpoint delete <checkpoint-id>
//	graphctl demo run [--parallel] [--fail <node>]
//	graphctl demo resume <checkpoint-id>
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
