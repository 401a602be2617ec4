// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay exposes the resolution engine over HTTP: request
// resolution, tool catalog inspection, initialization control, execution
// history, and health probes.
package relay

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/relay/services/relay/dispatch"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/initialize"
	"github.com/AleutianAI/relay/services/relay/router"
)

// ErrorResponse is the uniform error body for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the HTTP handlers and their collaborators.
//
// Thread Safety: Safe for concurrent use; all collaborators are.
type Handlers struct {
	router  *router.Router
	init    *initialize.Initializer
	catalog *engine.Catalog
	history *dispatch.History
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
//
// Inputs:
//
//	rt - Request router. Must not be nil.
//	init - Initializer. Must not be nil.
//	catalog - Tool catalog. Must not be nil.
//	history - Execution history. Must not be nil.
//	logger - Logger instance. May be nil.
func NewHandlers(rt *router.Router, init *initialize.Initializer,
	catalog *engine.Catalog, history *dispatch.History, logger *slog.Logger) *Handlers {

	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{router: rt, init: init, catalog: catalog, history: history, logger: logger}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleResolve handles POST /v1/relay/resolve.
//
// Description:
//
//	Resolves raw request text to either a direct tool execution or a
//	deferred generation answer.
//
// Response:
//
//	200 OK: router.Response
//	400 Bad Request: Malformed body or empty query
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolve")

	var req router.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}
	if req.Query == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "query is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	resp, err := h.router.Resolve(c.Request.Context(), req)
	if err != nil {
		logger.Error("resolve failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: engine.UserMessage(err),
			Code:  string(engine.CodeOf(err)),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleTools handles GET /v1/relay/tools.
//
// Response:
//
//	200 OK: {"tools": [ToolDescriptor...], "count": n}
func (h *Handlers) HandleTools(c *gin.Context) {
	tools := h.catalog.List()
	c.JSON(http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

// HandleStatus handles GET /v1/relay/status.
//
// Response:
//
//	200 OK: {"initialization": State, "history_size": n}
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"initialization": h.init.Status(),
		"history_size":   h.history.Len(),
	})
}

// HandleInit handles POST /v1/relay/init.
//
// Description:
//
//	Runs (or joins, or skips) the initialization sequence. The force query
//	parameter restarts the whole sequence even when already ready.
//
// Response:
//
//	200 OK: initialize.State
//	500 Internal Server Error: initialization failed; body carries the state
func (h *Handlers) HandleInit(c *gin.Context) {
	force := c.Query("force") == "true"
	state, err := h.init.Initialize(c.Request.Context(), force)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"initialization": state,
			"error":          engine.UserMessage(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"initialization": state})
}

// HandleHistory handles GET /v1/relay/history.
//
// Query Parameters:
//
//	limit: Maximum records to return, newest first. Default 20.
//
// Response:
//
//	200 OK: {"records": [ExecutionRecord...], "total": n}
func (h *Handlers) HandleHistory(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"records": h.history.Recent(limit),
		"total":   h.history.Len(),
	})
}

// HandleHealth handles GET /v1/relay/health. Liveness only.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/relay/ready.
//
// Response:
//
//	200 OK: fully initialized
//	503 Service Unavailable: initialization incomplete (degraded mode)
func (h *Handlers) HandleReady(c *gin.Context) {
	if h.init.Ready() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"ready": false,
		"state": h.init.Status(),
	})
}
