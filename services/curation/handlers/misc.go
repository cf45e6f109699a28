// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the curation service.
//
// # Description
//
// Every handler is a constructor returning a gin.HandlerFunc closure
// over its dependencies, so routes.SetupRoutes can wire them without
// package-level state.
//
// # Thread Safety
//
// Handlers are stateless; safety is delegated to the injected services.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiVersion is reported by the root endpoint.
const apiVersion = "1.0.0"

// Root returns the API banner.
func Root() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Clinical Data Curation API",
			"version": apiVersion,
		})
	}
}

// HealthCheck reports liveness.
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}
