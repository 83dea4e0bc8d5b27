// Package mcp provides a Model Context Protocol server for Bitácora.
//
// It exposes capture, search, task and stats operations as MCP tools so
// assistants can file notes and query the log over stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nvalderrama/bitacora/internal/people"
	"github.com/nvalderrama/bitacora/internal/pipeline"
	"github.com/nvalderrama/bitacora/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    *store.Store
	Pipeline *pipeline.Service
	People   *people.Service // optional
	OwnerID  string
	Version  string
}

// dbMu serializes MCP tool calls that touch the database. The mcp-go
// library dispatches handlers concurrently; SQLite supports one writer
// at a time, and captures must be visible to the searches that follow.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Bitácora tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = "default"
	}

	s := server.NewMCPServer(
		"Bitácora",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerCaptureTool(s, cfg)
	registerSearchTool(s, cfg)
	registerTasksTool(s, cfg)
	registerCompleteTaskTool(s, cfg)
	registerStatsTool(s, cfg)
	if cfg.People != nil {
		registerPersonTool(s, cfg)
	}

	registerStatsResource(s, cfg)
	registerRecentResource(s, cfg)

	return s
}

func registerCaptureTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_capture",
		mcp.WithDescription("Capture a note into Bitácora. The text is classified into a notebook, tasks and entities are extracted, and related entries are linked. Set multi_topic when the text mixes unrelated subjects."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The raw note text, any language"),
		),
		mcp.WithBoolean("multi_topic",
			mcp.Description("Split the text into per-topic entries across notebooks (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}

		in := pipeline.IngestRequest{OwnerID: cfg.OwnerID, Text: text}
		multi := req.GetBool("multi_topic", false)

		var result *pipeline.IngestResult
		if multi {
			result, err = cfg.Pipeline.IngestMultiTopic(ctx, in)
		} else {
			result, err = cfg.Pipeline.Ingest(ctx, in)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("capture failed: %v", err)), nil
		}

		return jsonResult(map[string]any{
			"entries":         result.Entries,
			"completed_tasks": result.CompletedTasks,
			"updated_entry":   result.UpdatedEntry,
			"degraded":        result.Degraded,
		})
	})
}

func registerSearchTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_search",
		mcp.WithDescription("Search captured entries by text. Returns matching entries with their notebook and summary."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 10, max: 50)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		limit := 10
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
			if limit > 50 {
				limit = 50
			}
		}

		entries, err := cfg.Store.SearchEntries(ctx, cfg.OwnerID, query, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"entries": entries, "count": len(entries)})
	})
}

func registerTasksTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_tasks",
		mcp.WithDescription("List open tasks across all notebooks, oldest first."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		tasks, err := cfg.Store.ListPendingTasks(ctx, cfg.OwnerID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing tasks failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"tasks": tasks, "count": len(tasks)})
	})
}

func registerCompleteTaskTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_complete_task",
		mcp.WithDescription("Mark a task as done, with optional completion notes."),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("The task id to complete"),
		),
		mcp.WithString("notes",
			mcp.Description("Optional completion notes"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("task_id")
		if err != nil {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		notes := ""
		if v, err := req.RequireString("notes"); err == nil {
			notes = v
		}

		if err := cfg.Store.CompleteTask(ctx, int64(idVal), notes); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("completing task failed: %v", err)), nil
		}
		task, err := cfg.Store.GetTask(ctx, int64(idVal))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading task failed: %v", err)), nil
		}
		return jsonResult(task)
	})
}

func registerStatsTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_stats",
		mcp.WithDescription("Aggregate counts: books, entries, tasks, entities, threads, embeddings, relations."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := cfg.Store.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
		}
		return jsonResult(stats)
	})
}

func registerPersonTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("bitacora_person",
		mcp.WithDescription("Summarize everything captured about a person across all notebooks."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("The person's name as mentioned in notes"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}

		summary, err := cfg.People.Summary(ctx, cfg.OwnerID, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("person summary failed: %v", err)), nil
		}
		return jsonResult(map[string]string{"person": name, "summary": summary})
	})
}

func registerStatsResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource("bitacora://stats", "Bitácora statistics",
		mcp.WithResourceDescription("Aggregate database counts"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := cfg.Store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI: "bitacora://stats", MIMEType: "application/json", Text: string(b),
		}}, nil
	})
}

func registerRecentResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource("bitacora://recent", "Recent entries",
		mcp.WithResourceDescription("The 20 most recently captured entries"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		entries, err := cfg.Store.ListEntries(ctx, cfg.OwnerID, store.ListOpts{Limit: 20})
		if err != nil {
			return nil, err
		}
		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI: "bitacora://recent", MIMEType: "application/json", Text: string(b),
		}}, nil
	})
}

// ServeStdio runs the server over stdio until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
