package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the nodeguard detection core
//
// This file is intentionally slim. Command implementations live in their
// own files (cmd_*.go).
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "run":
		cmdRun(args)
	case "config":
		cmdConfig(args)
	case "version", "--version", "-V":
		printVersion(os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "nodeguard %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `nodeguard — streaming threat detection core

Usage:
  nodeguard run [--config path] [--log-level level]
  nodeguard config init [--config path]
  nodeguard version

Commands:
  run      Start the detection pipeline
  config   Write a default config file
  version  Print version information
`)
}
