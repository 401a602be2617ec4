// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Relay routes with the router.
//
// Description:
//
//	Registers all /v1/relay/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/relay/resolve - Resolve a request to a tool call or generation
//	GET  /v1/relay/tools - List the tool catalog
//	GET  /v1/relay/status - Initialization state and history size
//	POST /v1/relay/init - Run or force the initialization sequence
//	GET  /v1/relay/history - Recent execution records
//	GET  /v1/relay/health - Health check
//	GET  /v1/relay/ready - Readiness check
//
// Example:
//
//	handlers := relay.NewHandlers(rt, init, catalog, history, logger)
//
//	v1 := router.Group("/v1")
//	relay.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	relay := rg.Group("/relay")
	{
		relay.POST("/resolve", handlers.HandleResolve)

		// Catalog and history inspection
		relay.GET("/tools", handlers.HandleTools)
		relay.GET("/history", handlers.HandleHistory)

		// Initialization lifecycle
		relay.GET("/status", handlers.HandleStatus)
		relay.POST("/init", handlers.HandleInit)

		// Health checks
		relay.GET("/health", handlers.HandleHealth)
		relay.GET("/ready", handlers.HandleReady)
	}
}
