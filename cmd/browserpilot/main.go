// Package main is the browserpilot entry point. The serve command runs the
// session registry behind the WebSocket gateway; run drives a single task
// from the terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
