// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Jaso1024/poe/pkg/config"
	"github.com/Jaso1024/poe/pkg/coordinator"
	"github.com/Jaso1024/poe/pkg/logger"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		outputDir  string
		always     bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:                "run -- COMMAND [ARGS...]",
		Short:              "Supervise COMMAND under tracing and emit a .poepack on a triggering exit",
		DisableFlagParsing: false,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if always {
				cfg.Always = true
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("poe run: build logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			co := coordinator.New(cfg, log)
			result, err := co.Run(ctx, args)
			if err != nil {
				return fmt.Errorf("poe run: %w", err)
			}

			if result.PackPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "poe: wrote %s (trigger=%s run=%s)\n", result.PackPath, result.Trigger, result.RunID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "poe: clean exit, no pack written (run=%s)\n", result.RunID)
			}

			os.Exit(result.ExitCode)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "override the pack output directory")
	cmd.Flags().BoolVar(&always, "always", false, "emit a pack even on a clean, zero-exit run")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the coordinator's log level")

	return cmd
}
