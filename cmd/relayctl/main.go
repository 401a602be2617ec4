// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relayctl is the CLI client for an Aleutian Relay server.
//
// Usage:
//
//	relayctl resolve "Solve 8 queens"
//	relayctl tools
//	relayctl status
//	relayctl init --force
//	relayctl history --limit 10
//
// The server address defaults to http://localhost:8080 and can be overridden
// with ALEUTIAN_RELAY_URL or the --url flag.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// serverURL and per-command flag values.
var (
	serverURL      string
	conversationID string
	noTools        bool
	forceInit      bool
	historyLimit   int
)

func main() {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "CLI client for an Aleutian Relay server",
	}
	root.PersistentFlags().StringVar(&serverURL, "url", defaultServerURL(),
		"Relay server base URL")

	resolveCmd := &cobra.Command{
		Use:   "resolve [query]",
		Short: "Resolve a request to a tool call or generation answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runResolveCommand,
	}
	resolveCmd.Flags().StringVar(&conversationID, "conversation", "",
		"Conversation ID for multi-turn exchanges")
	resolveCmd.Flags().BoolVar(&noTools, "no-tools", false,
		"Skip the tool pipeline and answer via generation only")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Run the server initialization sequence",
		Run:   runInitCommand,
	}
	initCmd.Flags().BoolVar(&forceInit, "force", false,
		"Restart the whole sequence even when already ready")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent execution records",
		Run:   runHistoryCommand,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20,
		"Maximum records to show, newest first")

	root.AddCommand(
		resolveCmd,
		&cobra.Command{
			Use:   "tools",
			Short: "List the server's tool catalog",
			Run:   runToolsCommand,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show initialization state and history size",
			Run:   runStatusCommand,
		},
		initCmd,
		historyCmd,
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func defaultServerURL() string {
	if url := os.Getenv("ALEUTIAN_RELAY_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func exitUnavailable(err error) {
	fmt.Fprintf(os.Stderr, "Error: relay server unavailable at %s\n", serverURL)
	fmt.Fprintf(os.Stderr, "Start it with: ./relay\n")
	fmt.Fprintf(os.Stderr, "Or set ALEUTIAN_RELAY_URL to override the default address.\n")
	log.Fatalf("connection failed: %v", err)
}
