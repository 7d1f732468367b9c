// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Jaso1024/poe/pkg/analyzer"
	"github.com/Jaso1024/poe/pkg/pack"
)

func newAnalyzeCommand() *cobra.Command {
	var (
		asJSON     string
		noiseExtra []string
	)

	cmd := &cobra.Command{
		Use:   "analyze PACK",
		Short: "Explain a .poepack archive's diagnosis, activity, and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := analyzePack(args[0], noiseExtra)
			if err != nil {
				return err
			}
			if asJSON != "" {
				return writeJSON(asJSON, exp)
			}
			printExplanation(cmd.OutOrStdout(), exp)
			return nil
		},
	}

	cmd.Flags().StringVar(&asJSON, "json", "", "write the full Explanation as JSON to this path instead of a table")
	cmd.Flags().StringSliceVar(&noiseExtra, "noise", nil, "extra noise-filter glob patterns")

	return cmd
}

func analyzePack(path string, noiseExtra []string) (*analyzer.Explanation, error) {
	p, err := pack.Open(path)
	if err != nil {
		return nil, fmt.Errorf("poe analyze: open %s: %w", path, err)
	}
	defer p.Close()

	st, err := p.Store()
	if err != nil {
		return nil, fmt.Errorf("poe analyze: open store: %w", err)
	}

	run, err := st.RunRow()
	if err != nil {
		return nil, fmt.Errorf("poe analyze: read run: %w", err)
	}

	return analyzer.Analyze(run, st, p.StdoutTail, p.StderrTail, noiseExtra)
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("poe: marshal json: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func printExplanation(w io.Writer, exp *analyzer.Explanation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", exp.Run.ID)
	fmt.Fprintf(tw, "exit\t%d\n", exp.Run.ExitCode)
	if exp.Run.Signal != "" {
		fmt.Fprintf(tw, "signal\t%s\n", exp.Run.Signal)
	}
	fmt.Fprintf(tw, "trigger\t%s\n", exp.Run.Trigger)
	tw.Flush()

	if len(exp.Diagnosis) > 0 {
		fmt.Fprintln(w, "\ndiagnosis:") //nolint:errcheck
		for _, f := range exp.Diagnosis {
			fmt.Fprintf(tw, "  [%s]\t%s\t%s\n", f.Severity, f.Kind, f.Message)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\nfile activity: %d ops across %d unique paths (read %d B, write %d B)\n",
		exp.FileActivity.TotalOps, exp.FileActivity.UniquePaths, exp.FileActivity.BytesRead, exp.FileActivity.BytesWritten)
	fmt.Fprintf(w, "net activity: %d ops, %d failed connections\n", exp.NetActivity.TotalOps, len(exp.NetActivity.FailedConnections))
	fmt.Fprintf(w, "stack hotspots: %d distinct leaf frames\n", len(exp.StackHotspots))
	fmt.Fprintf(w, "timeline: %d merged rows\n", len(exp.Timeline))
}
