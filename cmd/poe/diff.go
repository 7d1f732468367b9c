// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Jaso1024/poe/pkg/differ"
)

func newDiffCommand() *cobra.Command {
	var (
		asJSON     string
		noiseExtra []string
	)

	cmd := &cobra.Command{
		Use:   "diff BASE_PACK OTHER_PACK",
		Short: "Compare two .poepack archives: exit/duration deltas and symmetric differences",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := analyzePack(args[0], noiseExtra)
			if err != nil {
				return err
			}
			other, err := analyzePack(args[1], noiseExtra)
			if err != nil {
				return err
			}

			d := differ.Compare(base, other)
			if asJSON != "" {
				return writeJSON(asJSON, d)
			}
			printDiff(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.Flags().StringVar(&asJSON, "json", "", "write the full Diff as JSON to this path instead of a table")
	cmd.Flags().StringSliceVar(&noiseExtra, "noise", nil, "extra noise-filter glob patterns")

	return cmd
}

func printDiff(w io.Writer, d differ.Diff) {
	fmt.Fprintf(w, "exit: %d -> %d", d.Exit.BaseExitCode, d.Exit.OtherExitCode)
	if d.Exit.BaseSignal != "" || d.Exit.OtherSignal != "" {
		fmt.Fprintf(w, " (signal %q -> %q)", d.Exit.BaseSignal, d.Exit.OtherSignal)
	}
	fmt.Fprintf(w, ", duration delta %dms\n", d.Exit.DurationDeltaMS)

	fmt.Fprintf(w, "processes: %d only in base, %d only in other\n", len(d.Processes.OnlyInBase), len(d.Processes.OnlyInOther))
	fmt.Fprintf(w, "files: %d only in base, %d only in other, %d byte deltas\n", len(d.Files.OnlyInBase), len(d.Files.OnlyInOther), len(d.Files.BytesDelta))
	fmt.Fprintf(w, "net: %d only in base, %d only in other, %d byte deltas\n", len(d.Net.OnlyInBase), len(d.Net.OnlyInOther), len(d.Net.BytesDelta))
	fmt.Fprintf(w, "stderr: %d lines only in base, %d only in other\n", len(d.Stderr.OnlyInBase), len(d.Stderr.OnlyInOther))
}
