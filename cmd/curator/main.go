// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command curator starts the clinical data curation HTTP server.
//
// Configuration is layered: built-in defaults, then an optional YAML
// config file, then environment variables, then command-line flags.
//
// # Environment Variables
//
//   - CURATOR_PORT: HTTP server port (default: 8000)
//   - DATA_DIR: data directory with prompts, dictionaries, fewshots (default: ./data)
//   - SESSIONS_DIR: annotation session storage (default: ./sessions)
//   - PROMPTS_DIR: per-center prompt libraries (default: {DATA_DIR}/latest_prompts)
//   - STATUS_DB, RESULTS_DB: pipeline SQLite databases
//   - CORS_ORIGINS: comma-separated allowed browser origins
//   - VLLM_ENDPOINT, VLLM_MODEL, VLLM_TIMEOUT_SECONDS: inference backend
//   - VLLM_CONCURRENCY: parallel annotation requests per batch (default: 8)
//   - CURATOR_LOG_LEVEL: debug, info, warn or error (default: info)
//   - CURATOR_LOG_DIR: enables daily JSON log files (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector, tracing off when unset
//
// # Usage
//
//	# Build
//	go build -o curator ./cmd/curator
//
//	# Run with defaults
//	./curator serve
//
//	# Run with a config file
//	./curator serve --config curator.yaml
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCurate/pkg/logging"
	"github.com/AleutianAI/AleutianCurate/services/curation"
)

// fileConfig mirrors the curator.yaml layout.
type fileConfig struct {
	Port         int    `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	SessionsDir  string `yaml:"sessions_dir"`
	WorkDir      string `yaml:"work_dir"`
	StatusDB     string `yaml:"status_db"`
	ResultsDB    string `yaml:"results_db"`
	Concurrency  int    `yaml:"concurrency"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
	LogDir       string `yaml:"log_dir"`
	GinMode      string `yaml:"gin_mode"`

	CORSOrigins []string `yaml:"cors_origins"`

	// StageCommands overrides the external pipeline stage commands,
	// keyed by step name.
	StageCommands map[string][]string `yaml:"stage_commands"`
}

func main() {
	root := &cobra.Command{
		Use:   "curator",
		Short: "Clinical data curation service",
		Long: "curator runs the clinical note annotation service: prompt management,\n" +
			"LLM-backed annotation, ICD-O-3 code resolution, review sessions and\n" +
			"the external preprocessing pipeline.",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		dataDir    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the curation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fc, err := buildConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}

			level := logLevel
			if fc.LogLevel != "" && !cmd.Flags().Changed("log-level") {
				level = fc.LogLevel
			}
			level = getEnvString("CURATOR_LOG_LEVEL", level)

			logger := logging.New(logging.Config{
				Level:   level,
				LogDir:  getEnvString("CURATOR_LOG_DIR", fc.LogDir),
				Service: "curation-service",
				JSON:    true,
			})
			defer logger.Close()
			logger.SetDefault()

			svc, err := curation.New(cfg)
			if err != nil {
				return fmt.Errorf("create curation service: %w", err)
			}
			return svc.Run()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().IntVar(&port, "port", 8000, "HTTP server port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the curator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("curator", curation.Version)
		},
	}
}

// buildConfig layers the optional config file and environment variables
// over the service defaults. The parsed file is returned as well so the
// caller can apply its logging settings, which live outside the service
// config.
func buildConfig(configPath string) (curation.Config, fileConfig, error) {
	cfg := curation.Config{
		Port:        getEnvInt("CURATOR_PORT", 8000),
		DataDir:     getEnvString("DATA_DIR", "./data"),
		SessionsDir: getEnvString("SESSIONS_DIR", "./sessions"),
	}

	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, fc, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fc, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
		applyFileConfig(&cfg, fc)
	}

	// Environment wins over the file for the deployment-critical knobs.
	if v := os.Getenv("CURATOR_PORT"); v != "" {
		cfg.Port = getEnvInt("CURATOR_PORT", cfg.Port)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SESSIONS_DIR"); v != "" {
		cfg.SessionsDir = v
	}
	if v := os.Getenv("PROMPTS_DIR"); v != "" {
		cfg.PromptsDir = v
	}
	if v := os.Getenv("STATUS_DB"); v != "" {
		cfg.StatusDBPath = v
	}
	if v := os.Getenv("RESULTS_DB"); v != "" {
		cfg.ResultsDBPath = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitOrigins(v)
	}
	if v := os.Getenv("VLLM_CONCURRENCY"); v != "" {
		cfg.Concurrency = getEnvInt("VLLM_CONCURRENCY", cfg.Concurrency)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	return cfg, fc, nil
}

// splitOrigins parses a comma-separated origin list, dropping empties.
func splitOrigins(s string) []string {
	var origins []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func applyFileConfig(cfg *curation.Config, fc fileConfig) {
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.SessionsDir != "" {
		cfg.SessionsDir = fc.SessionsDir
	}
	if fc.WorkDir != "" {
		cfg.WorkDir = fc.WorkDir
	}
	if fc.StatusDB != "" {
		cfg.StatusDBPath = fc.StatusDB
	}
	if fc.ResultsDB != "" {
		cfg.ResultsDBPath = fc.ResultsDB
	}
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.OTelEndpoint != "" {
		cfg.OTelEndpoint = fc.OTelEndpoint
	}
	if fc.GinMode != "" {
		cfg.GinMode = fc.GinMode
	}
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}
	if len(fc.StageCommands) > 0 {
		cfg.StageCommands = fc.StageCommands
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
