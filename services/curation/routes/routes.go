// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCurate/services/annotation"
	"github.com/AleutianAI/AleutianCurate/services/curation/handlers"
	"github.com/AleutianAI/AleutianCurate/services/fewshot"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/llm"
	"github.com/AleutianAI/AleutianCurate/services/pipeline"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

// Deps carries everything the route tree needs. Grouping them in one
// struct keeps the SetupRoutes signature stable as endpoints grow.
type Deps struct {
	Client             *llm.VLLMClient
	Engine             *annotation.Engine
	Library            *prompts.Library
	Fewshots           *fewshot.Store
	Indexer            *icdo3.Indexer
	Sessions           *sessions.Store
	Exporter           *sessions.Exporter
	Runtime            *pipeline.Runtime
	PresetsDir         string
	ReportMappingsPath string
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/", handlers.Root())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", handlers.HealthCheck())

		server := api.Group("/server")
		{
			server.GET("/status", handlers.ServerStatus(deps.Client))
			server.GET("/metrics", handlers.ServerMetrics(deps.Client))
			server.GET("/models", handlers.ListModels(deps.Client))
			server.POST("/models/switch", handlers.SwitchModel(deps.Client))
		}

		promptAdmin := api.Group("/prompts")
		{
			promptAdmin.GET("/centers", handlers.ListCenters(deps.Library))
			promptAdmin.POST("/centers", handlers.CreateCenter(deps.Library))
			promptAdmin.GET("", handlers.ListPrompts(deps.Library))
			promptAdmin.POST("", handlers.CreatePrompt(deps.Library))
			promptAdmin.GET("/:prompt_type", handlers.GetPrompt(deps.Library))
			promptAdmin.PUT("/:prompt_type", handlers.UpdatePrompt(deps.Library))
			promptAdmin.POST("/:prompt_type/rename", handlers.RenamePrompt(deps.Library))
			promptAdmin.DELETE("/:prompt_type", handlers.DeletePrompt(deps.Library))
		}

		upload := api.Group("/upload")
		{
			upload.POST("/csv", handlers.UploadCSV())
			upload.POST("/fewshots", handlers.UploadFewshots(deps.Fewshots))
			upload.GET("/fewshots/status", handlers.FewshotStatus(deps.Fewshots))
			upload.DELETE("/fewshots", handlers.ClearFewshots(deps.Fewshots))
			upload.GET("/report-type-mappings", handlers.GetReportTypeMappings(deps.ReportMappingsPath))
			upload.POST("/report-type-mappings", handlers.SaveReportTypeMappings(deps.ReportMappingsPath))
		}

		annotate := api.Group("/annotate")
		{
			annotate.POST("/process", handlers.ProcessNote(deps.Engine, deps.Client, deps.Sessions))
			annotate.POST("/batch", handlers.BatchProcess(deps.Engine, deps.Client, deps.Sessions))
			annotate.POST("/icdo3/select", handlers.SelectICDO3Candidate(deps.Sessions))
			annotate.GET("/icdo3/search", handlers.SearchICDO3(deps.Indexer))
			annotate.GET("/icdo3/validate", handlers.ValidateICDO3(deps.Indexer))
			annotate.POST("/icdo3/combine", handlers.CombineICDO3(deps.Sessions, deps.Indexer))
			annotate.GET("/icdo3/topographies", handlers.ICDO3Topographies(deps.Indexer))
			annotate.GET("/icdo3/morphologies", handlers.ICDO3Morphologies(deps.Indexer))
			annotate.GET("/icdo3/unified/:note_id", handlers.GetUnifiedICDO3(deps.Sessions))
		}

		sessionAdmin := api.Group("/sessions")
		{
			sessionAdmin.POST("", handlers.CreateSession(deps.Sessions))
			sessionAdmin.GET("", handlers.ListSessions(deps.Sessions))
			sessionAdmin.GET("/:session_id", handlers.GetSession(deps.Sessions))
			sessionAdmin.PUT("/:session_id", handlers.UpdateSessionAnnotations(deps.Sessions))
			sessionAdmin.PATCH("/:session_id", handlers.UpdateSessionMetadata(deps.Sessions))
			sessionAdmin.DELETE("/:session_id", handlers.DeleteSession(deps.Sessions))
			sessionAdmin.POST("/:session_id/prompt_types", handlers.AddSessionPromptTypes(deps.Sessions, deps.Library))
			sessionAdmin.DELETE("/:session_id/prompt_types", handlers.RemoveSessionPromptTypes(deps.Sessions))
			sessionAdmin.GET("/:session_id/export", handlers.ExportSessionLabels(deps.Sessions, deps.Exporter))
			sessionAdmin.GET("/:session_id/export/codes", handlers.ExportSessionCoded(deps.Sessions, deps.Exporter))
		}

		presets := api.Group("/presets")
		{
			presets.GET("", handlers.ListPresets(deps.PresetsDir))
			presets.POST("", handlers.CreatePreset(deps.PresetsDir))
			presets.GET("/:preset_id", handlers.GetPreset(deps.PresetsDir))
			presets.PUT("/:preset_id", handlers.UpdatePreset(deps.PresetsDir))
			presets.DELETE("/:preset_id", handlers.DeletePreset(deps.PresetsDir))
		}
	}

	// Structuring pipeline jobs keep their historical root-level paths.
	router.POST("/run/quality_check", handlers.RunQualityCheck(deps.Runtime))
	router.POST("/run/link_rows", handlers.RunLinkRows(deps.Runtime))
	router.POST("/run/discoverability", handlers.RunDiscoverability(deps.Runtime))
	router.POST("/pipeline", handlers.StartPipeline(deps.Runtime))
	router.POST("/pipeline/continue", handlers.ContinuePipeline(deps.Runtime, deps.Sessions, deps.Exporter))
	router.GET("/status/:task_id", handlers.JobStatus(deps.Runtime))
	router.GET("/logs/:task_id", handlers.JobLogs(deps.Runtime))
	router.GET("/recent_tasks", handlers.RecentTasks(deps.Runtime))
	router.POST("/cancel/:task_id", handlers.CancelJob(deps.Runtime))
	router.POST("/kill/:task_id", handlers.KillJob(deps.Runtime))
	router.GET("/results/:task_id/discoverability_json", handlers.DiscoverabilityJSON(deps.Runtime))
	router.GET("/results/:task_id/:step_name", handlers.StepResults(deps.Runtime))
}
