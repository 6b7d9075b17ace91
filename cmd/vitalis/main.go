// Package main is the single-binary entrypoint for Vitalis.
// One binary runs the daemon, submits encounters and reads results.
package main

import "github.com/vitalis-health/vitalis/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
