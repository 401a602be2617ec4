// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// resolveRequest is the payload for POST /v1/relay/resolve.
type resolveRequest struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Options        resolveOptions `json:"options,omitempty"`
}

type resolveOptions struct {
	ToolsFirst *bool `json:"tools_first,omitempty"`
}

// resolveResponse mirrors the server's router.Response.
type resolveResponse struct {
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	Source         string         `json:"source"`
	Content        string         `json:"content"`
	ToolName       string         `json:"tool_name,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Tier           string         `json:"tier,omitempty"`
	Stage          string         `json:"stage,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
}

func runResolveCommand(_ *cobra.Command, args []string) {
	query := strings.Join(args, " ")

	payload := resolveRequest{Query: query, ConversationID: conversationID}
	if noTools {
		f := false
		payload.Options.ToolsFirst = &f
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("failed to create request body: %v", err)
	}

	client := &http.Client{Timeout: 3 * time.Minute}
	resp, err := client.Post(serverURL+"/v1/relay/resolve", "application/json", bytes.NewBuffer(body))
	if err != nil {
		exitUnavailable(err)
	}
	defer closeBody(resp)

	raw := mustReadOK(resp)
	var result resolveResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		log.Fatalf("failed to decode response: %v", err)
	}

	fmt.Printf("%s\n", result.Content)
	meta := fmt.Sprintf("[source: %s", result.Source)
	if result.ToolName != "" {
		meta += fmt.Sprintf(", tool: %s (%.2f, %s, %s)",
			result.ToolName, result.Confidence, result.Tier, result.Stage)
	}
	if result.Degraded {
		meta += ", degraded"
	}
	meta += fmt.Sprintf(", conversation: %s]", result.ConversationID)
	fmt.Println(meta)
}

func runToolsCommand(_ *cobra.Command, _ []string) {
	raw := getJSON("/v1/relay/tools")

	var body struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Category    string `json:"category"`
			Provider    string `json:"provider"`
			Idempotent  bool   `json:"idempotent"`
		} `json:"tools"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Fatalf("failed to decode response: %v", err)
	}

	if body.Count == 0 {
		fmt.Println("No tools in the catalog. Has the server initialized? Try: relayctl init")
		return
	}
	for _, t := range body.Tools {
		retry := ""
		if t.Idempotent {
			retry = " [idempotent]"
		}
		fmt.Printf("%-24s %s (%s via %s)%s\n", t.Name, t.Description, t.Category, t.Provider, retry)
	}
	fmt.Printf("\n%d tools\n", body.Count)
}

func runStatusCommand(_ *cobra.Command, _ []string) {
	printPrettyJSON(getJSON("/v1/relay/status"))
}

func runInitCommand(_ *cobra.Command, _ []string) {
	url := serverURL + "/v1/relay/init"
	if forceInit {
		url += "?force=true"
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		exitUnavailable(err)
	}
	defer closeBody(resp)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	// A failed initialization still returns the state; show it either way.
	printPrettyJSON(raw)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("initialization failed (HTTP %d)", resp.StatusCode)
	}
}

func runHistoryCommand(_ *cobra.Command, _ []string) {
	raw := getJSON(fmt.Sprintf("/v1/relay/history?limit=%d", historyLimit))

	var body struct {
		Records []struct {
			ToolName  string        `json:"tool_name"`
			Outcome   string        `json:"outcome"`
			Latency   time.Duration `json:"latency"`
			Timestamp time.Time     `json:"timestamp"`
		} `json:"records"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Fatalf("failed to decode response: %v", err)
	}

	if len(body.Records) == 0 {
		fmt.Println("No execution records yet.")
		return
	}
	for _, r := range body.Records {
		fmt.Printf("%s  %-24s %-16s %v\n",
			r.Timestamp.Format(time.RFC3339), r.ToolName, r.Outcome, r.Latency)
	}
	fmt.Printf("\n%d shown, %d buffered\n", len(body.Records), body.Total)
}

// getJSON GETs a path and returns the body, fatally on any failure.
func getJSON(path string) []byte {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		exitUnavailable(err)
	}
	defer closeBody(resp)
	return mustReadOK(resp)
}

func mustReadOK(resp *http.Response) []byte {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("server error (HTTP %d): %s", resp.StatusCode, string(body))
	}
	return body
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Printf("failed to close response body: %v", err)
	}
}

func printPrettyJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
