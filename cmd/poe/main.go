// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

// Command poe is the thin CLI wiring surface over the capture engine: a
// run subcommand that supervises a child command, and analyze/diff
// subcommands that read back a .poepack archive. Argument parsing itself
// is intentionally minimal; the packages under pkg/ do the real work.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jaso1024/poe/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:     "poe",
		Short:   "Supervise a command, capture what it touched, explain why it failed",
		Version: version.Version,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newAnalyzeCommand())
	root.AddCommand(newDiffCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
