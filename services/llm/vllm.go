// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides clients for OpenAI-compatible inference servers.
//
// # Description
//
// The primary implementation is VLLMClient, which targets a vLLM server
// exposing the OpenAI completion API plus a Prometheus /metrics endpoint.
// The client covers four concerns:
//   - Health: a short-timeout probe of /v1/models.
//   - Metrics: a projection of the server's Prometheus text exposition
//     into a small typed schema (cache usage, running requests, throughput).
//   - Model listing: /v1/models with an is_active flag.
//   - Generation: deterministic completions (temperature 0 by default).
//
// # Thread Safety
//
// VLLMClient is safe for concurrent use. The package-level default client
// is guarded by a mutex and replaceable via Reset for tests.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// healthTimeout bounds the /v1/models availability probe.
const healthTimeout = 5 * time.Second

// Config holds the vLLM connection settings.
//
// Values come from the environment (VLLM_ENDPOINT, VLLM_MODEL,
// VLLM_TIMEOUT_SECONDS) with an optional vllm_config.json overlay.
type Config struct {
	Endpoint  string        `json:"endpoint"`
	ModelName string        `json:"model_name"`
	Timeout   time.Duration `json:"-"`

	// RequestsPerSecond caps outbound generation calls. Zero disables
	// the limiter.
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// fileConfig is the on-disk shape of vllm_config.json.
type fileConfig struct {
	Endpoint          string  `json:"endpoint"`
	ModelName         string  `json:"model_name"`
	TimeoutSeconds    float64 `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// LoadConfig builds a Config from the environment, overlaid by
// vllm_config.json in configDir when that file exists. Pass "" to skip the
// file overlay.
func LoadConfig(configDir string) Config {
	cfg := Config{
		Endpoint:  getEnvString("VLLM_ENDPOINT", "http://localhost:8000"),
		ModelName: getEnvString("VLLM_MODEL", ""),
		Timeout:   30 * time.Second,
	}
	if v := os.Getenv("VLLM_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if configDir != "" {
		path := configDir + string(os.PathSeparator) + "vllm_config.json"
		if raw, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if err := json.Unmarshal(raw, &fc); err != nil {
				slog.Warn("Ignoring malformed vllm_config.json", "path", path, "error", err)
			} else {
				if fc.Endpoint != "" {
					cfg.Endpoint = fc.Endpoint
				}
				if fc.ModelName != "" {
					cfg.ModelName = fc.ModelName
				}
				if fc.TimeoutSeconds > 0 {
					cfg.Timeout = time.Duration(fc.TimeoutSeconds * float64(time.Second))
				}
				if fc.RequestsPerSecond > 0 {
					cfg.RequestsPerSecond = fc.RequestsPerSecond
				}
			}
		}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return cfg
}

// ServerStatus reports the inference server's health for the status endpoint.
type ServerStatus struct {
	Status    string `json:"status"` // running, unavailable, error
	ModelName string `json:"model_name,omitempty"`
	Endpoint  string `json:"endpoint"`
}

// ServerMetrics is the projection of the server's Prometheus exposition.
// Pointer fields are nil when the server does not export that series.
type ServerMetrics struct {
	GPUMemoryUsedGB          *float64 `json:"gpu_memory_used_gb,omitempty"`
	GPUMemoryTotalGB         *float64 `json:"gpu_memory_total_gb,omitempty"`
	GPUCacheUsagePercent     *float64 `json:"gpu_utilization_percent,omitempty"`
	ThroughputTokensPerSec   *float64 `json:"throughput_tokens_per_sec,omitempty"`
	ThroughputRequestsPerSec *float64 `json:"throughput_requests_per_sec,omitempty"`
	ActiveRequests           *int     `json:"active_requests,omitempty"`
}

// ModelInfo describes one served model (base model or LoRA adapter).
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// VLLMClient talks to a vLLM server over its OpenAI-compatible API.
type VLLMClient struct {
	cfg     Config
	httpc   *http.Client
	oa      *openai.Client
	limiter *rate.Limiter

	mu          sync.RWMutex
	activeModel string
}

var _ LLMClient = (*VLLMClient)(nil)

// NewVLLMClient builds a client for the given configuration.
func NewVLLMClient(cfg Config) *VLLMClient {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	oaCfg := openai.DefaultConfig("EMPTY")
	oaCfg.BaseURL = cfg.Endpoint + "/v1"
	c := &VLLMClient{
		cfg:         cfg,
		httpc:       &http.Client{Timeout: cfg.Timeout},
		oa:          openai.NewClientWithConfig(oaCfg),
		activeModel: cfg.ModelName,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Endpoint returns the configured server base URL.
func (c *VLLMClient) Endpoint() string { return c.cfg.Endpoint }

// Available probes /v1/models with a short timeout. The string return is
// the failure reason, empty on success.
func (c *VLLMClient) Available() (bool, string) {
	probe := &http.Client{Timeout: healthTimeout}
	resp, err := probe.Get(c.cfg.Endpoint + "/v1/models")
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return true, ""
}

// Status reports health plus the active model for the UI status card.
func (c *VLLMClient) Status() ServerStatus {
	ok, reason := c.Available()
	if !ok {
		slog.Debug("vLLM server unavailable", "endpoint", c.cfg.Endpoint, "reason", reason)
		return ServerStatus{Status: "unavailable", Endpoint: c.cfg.Endpoint}
	}
	model := c.ActiveModel()
	if model == "" {
		if models, err := c.ListModels(); err == nil && len(models) > 0 {
			model = models[0].ID
		}
	}
	return ServerStatus{Status: "running", ModelName: model, Endpoint: c.cfg.Endpoint}
}

// ActiveModel returns the currently selected model name.
func (c *VLLMClient) ActiveModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeModel
}

// SwitchModel selects a different served model (e.g. a LoRA adapter). The
// model must appear in the server's model list.
func (c *VLLMClient) SwitchModel(name string) error {
	models, err := c.ListModels()
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models {
		if m.ID == name {
			c.mu.Lock()
			c.activeModel = name
			c.mu.Unlock()
			slog.Info("Switched active model", "model", name)
			return nil
		}
	}
	return fmt.Errorf("model %q not served", name)
}

// ListModels returns the models served at /v1/models. The active model is
// flagged; when no model has been selected the first entry is active.
func (c *VLLMClient) ListModels() ([]ModelInfo, error) {
	resp, err := c.httpc.Get(c.cfg.Endpoint + "/v1/models")
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	active := c.ActiveModel()
	models := make([]ModelInfo, 0, len(payload.Data))
	for i, m := range payload.Data {
		isActive := m.ID == active || (active == "" && i == 0)
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID, IsActive: isActive})
	}
	return models, nil
}

// Metrics fetches /metrics and projects the known vLLM series.
func (c *VLLMClient) Metrics() (*ServerMetrics, error) {
	resp, err := c.httpc.Get(c.cfg.Endpoint + "/metrics")
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metrics: unexpected status %d", resp.StatusCode)
	}
	samples, err := parsePrometheusText(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &ServerMetrics{}
	if v, ok := samples["vllm:gpu_cache_usage_perc"]; ok {
		pct := v * 100
		out.GPUCacheUsagePercent = &pct
	}
	if v, ok := samples["vllm:num_requests_running"]; ok {
		n := int(v)
		out.ActiveRequests = &n
	}
	if v, ok := samples["vllm:avg_generation_throughput_toks_per_s"]; ok {
		out.ThroughputTokensPerSec = &v
	}
	if v, ok := samples["vllm:request_success_total"]; ok {
		out.ThroughputRequestsPerSec = &v
	}
	if v, ok := samples["gpu_memory_used_bytes"]; ok {
		gb := v / (1024 * 1024 * 1024)
		out.GPUMemoryUsedGB = &gb
	}
	if v, ok := samples["gpu_memory_total_bytes"]; ok {
		gb := v / (1024 * 1024 * 1024)
		out.GPUMemoryTotalGB = &gb
	}
	return out, nil
}

// parsePrometheusText reads `name{labels} value` exposition lines into a
// flat map keyed by bare metric name. Later samples of the same name win;
// the projected series here are single-sample gauges so that is acceptable.
func parsePrometheusText(r io.Reader) (map[string]float64, error) {
	samples := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		if idx := strings.Index(name, "{"); idx >= 0 {
			name = name[:idx]
		}
		value, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		samples[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	return samples, nil
}

// Generate implements the LLMClient interface via the completion endpoint.
// Defaults are deterministic: temperature 0, 1024 max tokens.
func (c *VLLMClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	req := openai.CompletionRequest{
		Model:       c.modelForRequest(),
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   1024,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := c.oa.CreateCompletion(ctx, req)
	if err != nil {
		slog.Error("vLLM completion failed", "model", req.Model, "error", err)
		return "", fmt.Errorf("vLLM completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vLLM returned no choices")
	}
	return resp.Choices[0].Text, nil
}

func (c *VLLMClient) modelForRequest() string {
	if m := c.ActiveModel(); m != "" {
		return m
	}
	if models, err := c.ListModels(); err == nil && len(models) > 0 {
		c.mu.Lock()
		c.activeModel = models[0].ID
		c.mu.Unlock()
		return models[0].ID
	}
	return c.cfg.ModelName
}

// ===== Default client =====

var (
	defaultMu     sync.Mutex
	defaultClient *VLLMClient
)

// Default returns the process-wide client, creating it from the environment
// on first use.
func Default() *VLLMClient {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = NewVLLMClient(LoadConfig(""))
	}
	return defaultClient
}

// Reset drops the process-wide client so the next Default() call rebuilds
// it from fresh configuration. Intended for config changes and tests.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultClient = nil
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
