// Package main provides the rflow-mcp binary, an MCP server exposing pipeline
// validation and execution over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/colaisr/research-flow-sub000/pkg/config"
	"github.com/colaisr/research-flow-sub000/pkg/mcpserver"
)

var version = "dev"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol; logs go to stderr.
	logger := cfg.NewLogger(os.Stderr)

	s := mcpserver.NewServer(version, &mcpserver.Handlers{Config: cfg, Logger: logger})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
