package main

// ---------------------------------------------------------------------------
// cmd_config.go — config file management
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeguard-project/nodeguard/internal/core"
)

func cmdConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: nodeguard config init [--config path]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", "configs/nodeguard.yaml", "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args[1:])

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use --force to overwrite)\n", *configPath)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error: creating config dir: %v\n", err)
		os.Exit(1)
	}

	if err := core.SaveConfig(core.DefaultConfig(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: writing config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote default config to %s\n", *configPath)
}
