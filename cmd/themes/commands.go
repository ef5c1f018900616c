// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	provider   string
	modelName  string
	baseURL    string
	diffPath   string
	outputPath string
	storePath  string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "themes",
		Short: "Analyze pull-request diffs into a hierarchical theme tree",
		Long: `themes turns a unified diff into a de-duplicated, hierarchical tree
of change themes using LLM-assisted consolidation and expansion.`,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a unified diff and emit the consolidated theme tree",
		RunE:  runAnalyze,
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted analysis runs",
	}
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List persisted run ids",
		RunE:  runRunsList,
	}
	runsShowCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print a persisted run's theme tree as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "directory for the run archive (disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	analyzeCmd.Flags().StringVar(&provider, "provider", "openai", "LLM provider (openai, ollama)")
	analyzeCmd.Flags().StringVar(&modelName, "model", "", "model name override")
	analyzeCmd.Flags().StringVar(&baseURL, "base-url", "", "provider base URL override")
	analyzeCmd.Flags().StringVar(&diffPath, "diff", "-", "unified diff file, or - for stdin")
	analyzeCmd.Flags().StringVar(&outputPath, "output", "-", "output file for the theme tree JSON, or - for stdout")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(analyzeCmd, runsCmd, versionCmd)
}
