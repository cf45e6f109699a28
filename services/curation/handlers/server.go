// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/llm"
)

// ServerStatus reports the inference server's health and active model.
func ServerStatus(client *llm.VLLMClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, client.Status())
	}
}

// ServerMetrics reports GPU and throughput metrics from the inference
// server.
func ServerMetrics(client *llm.VLLMClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, _ := client.Available(); !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "VLLM server not available"})
			return
		}
		metrics, err := client.Metrics()
		if err != nil {
			slog.Error("Failed to fetch inference metrics", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, metrics)
	}
}

// ListModels lists the models the inference server can serve. An
// unavailable server yields an empty list rather than an error so the
// UI can render a disabled picker.
func ListModels(client *llm.VLLMClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, _ := client.Available(); !ok {
			c.JSON(http.StatusOK, []llm.ModelInfo{})
			return
		}
		models, err := client.ListModels()
		if err != nil {
			slog.Error("Failed to list models", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, models)
	}
}

// SwitchModel switches the active model by name.
func SwitchModel(client *llm.VLLMClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("model_name")
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "model_name is required"})
			return
		}
		if ok, _ := client.Available(); !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "VLLM server not available"})
			return
		}
		if err := client.SwitchModel(name); err != nil {
			slog.Error("Model switch failed", "model", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Switched active model", "model", name)
		c.JSON(http.StatusOK, gin.H{
			"message":    "Model switched successfully",
			"model_name": name,
		})
	}
}
