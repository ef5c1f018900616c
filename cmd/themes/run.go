// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/6529-Collections/ai-code-review-action-sub003/pkg/logging"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/diffsource"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/store"
)

func loadConfig() (*domain.Config, error) {
	if configPath == "" {
		cfg := domain.DefaultConfig()
		return &cfg, nil
	}
	cfg, err := domain.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// buildClient resolves the provider flag into a model client. The API
// key is read from the environment here at the CLI boundary; the core
// components only ever see the constructed client.
func buildClient(logger *logging.Logger) (llm.Client, error) {
	switch provider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   modelName,
			BaseURL: baseURL,
			Logger:  logger.Logger,
		})
	case "ollama":
		return llm.NewOllamaClient(baseURL, modelName), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (expected openai or ollama)", provider)
	}
}

func openStore(logger *logging.Logger) (*store.Store, error) {
	if storePath == "" {
		return nil, nil
	}
	return store.Open(store.Config{Path: storePath, Logger: logger.Logger})
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		Service: "themes",
	})
	defer logger.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := buildClient(logger)
	if err != nil {
		return err
	}

	var diffData []byte
	if diffPath == "-" {
		diffData, err = io.ReadAll(cmd.InOrStdin())
	} else {
		diffData, err = os.ReadFile(diffPath)
	}
	if err != nil {
		return fmt.Errorf("read diff: %w", err)
	}

	candidates, err := diffsource.FromUnifiedDiff(diffData)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no changes found in diff")
	}

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	analyzer, err := themes.NewAnalyzer(themes.AnalyzerOptions{
		Config: cfg,
		Client: client,
		Store:  st,
		Logger: logger.Logger,
	})
	if err != nil {
		return err
	}
	defer analyzer.Close()

	result, err := analyzer.Run(cmd.Context(), candidates)
	if err != nil {
		return err
	}
	dumpMetrics(analyzer, logger)

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if outputPath == "-" {
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	}
	return os.WriteFile(outputPath, append(payload, '\n'), 0644)
}

// dumpMetrics logs the run's gathered queue metrics at debug level, so a
// --log-level debug invocation shows the model-call accounting.
func dumpMetrics(analyzer *themes.Analyzer, logger *logging.Logger) {
	families, err := analyzer.MetricsRegistry().Gather()
	if err != nil {
		logger.Debug("metrics gather failed", "error", err)
		return
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				logger.Debug("metric", "name", family.GetName(), "value", m.GetGauge().GetValue())
			case m.GetCounter() != nil:
				logger.Debug("metric", "name", family.GetName(), "value", m.GetCounter().GetValue())
			}
		}
	}
}

func runRunsList(cmd *cobra.Command, args []string) error {
	logger := logging.Default()
	st, err := openStore(logger)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("--store is required for run inspection")
	}
	defer st.Close()

	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	for _, id := range runs {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	logger := logging.Default()
	st, err := openStore(logger)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("--store is required for run inspection")
	}
	defer st.Close()

	record, err := st.LoadForest(args[0])
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}
