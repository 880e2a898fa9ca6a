// Package mcp provides a Model Context Protocol server for studio-facts.
//
// It exposes bundle intake, extraction runs and fact review as MCP tools, and
// store statistics as an MCP resource. The server is served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/lifecycle"
	"github.com/eliranbeatt/studio-facts/internal/pipeline"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store        store.Store
	Service      *lifecycle.Service
	Orchestrator *pipeline.Orchestrator // optional; facts_extract is omitted without it
	Version      string
}

// NewServer creates a configured MCP server with all tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"studio-facts",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
	)

	registerAddBundleTool(s, cfg.Store)
	registerAddItemTool(s, cfg.Store)
	if cfg.Orchestrator != nil {
		registerExtractTool(s, cfg.Orchestrator)
	}
	registerListFactsTool(s, cfg.Service)
	registerListIssuesTool(s, cfg.Service)
	registerListRunsTool(s, cfg.Service)
	registerFactActionTools(s, cfg.Service)
	registerEditTool(s, cfg.Service)
	registerAssignItemTool(s, cfg.Service)
	registerResolveIssueTool(s, cfg.Service)
	registerContextTool(s, cfg.Service)
	registerPostProcessTool(s, cfg.Service)
	registerSetEnabledTool(s, cfg.Service)

	registerStatsResource(s, cfg.Service)

	return s
}

// Serve runs the server over stdio until stdin closes.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// --- Intake ---

func registerAddBundleTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("facts_add_bundle",
		mcp.WithDescription("Store a text bundle (a conversation turn or document chunk) for fact extraction. Returns the bundle id."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project the bundle belongs to")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Bundle text")),
		mcp.WithString("id", mcp.Description("Bundle id. Generated when empty.")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		id := req.GetString("id", "")

		id, err = st.AddBundle(ctx, &store.Bundle{ID: id, Project: project, Text: text})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add bundle error: %v", err)), nil
		}
		return jsonResult(map[string]string{"bundle_id": id})
	})
}

func registerAddItemTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("facts_add_item",
		mcp.WithDescription("Add or rename a catalog item that facts can be scoped to."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project the item belongs to")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Display name, e.g. 'Wall lamp'")),
		mcp.WithString("id", mcp.Description("Item id. Generated when empty; an existing id is renamed.")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required"), nil
		}

		id, err := st.AddItem(ctx, &store.Item{ID: req.GetString("id", ""), Project: project, Name: name})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add item error: %v", err)), nil
		}
		return jsonResult(map[string]string{"item_id": id})
	})
}

func registerExtractTool(s *server.MCPServer, o *pipeline.Orchestrator) {
	tool := mcp.NewTool("facts_extract",
		mcp.WithDescription("Run fact extraction for a bundle. Skips bundles that already have a succeeded run and projects with facts disabled."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("bundle_id", mcp.Required(), mcp.Description("Bundle to extract")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bundleID, err := req.RequireString("bundle_id")
		if err != nil {
			return mcp.NewToolResultError("bundle_id is required"), nil
		}
		out, err := o.Process(ctx, bundleID)
		if err != nil {
			if out != nil {
				data, _ := json.MarshalIndent(out, "", "  ")
				return mcp.NewToolResultError(fmt.Sprintf("extraction failed: %v\n%s", err, data)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("extraction error: %v", err)), nil
		}
		return jsonResult(out)
	})
}

// --- Queries ---

func registerListFactsTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_list",
		mcp.WithDescription("List a project's facts, newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project to list")),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(store.StatusHypothesis, store.StatusProposed, store.StatusAccepted, store.StatusRejected, store.StatusDuplicate),
		),
		mcp.WithString("scope_type", mcp.Description("Filter by scope"), mcp.Enum(store.ScopeProject, store.ScopeItem)),
		mcp.WithString("item_id", mcp.Description("Filter by item")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of facts (default: all)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		facts, err := svc.ListFacts(ctx, lifecycle.FactQuery{
			Project:   project,
			Status:    req.GetString("status", ""),
			ScopeType: req.GetString("scope_type", ""),
			ItemID:    req.GetString("item_id", ""),
			Limit:     int(req.GetFloat("limit", 0)),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list facts error: %v", err)), nil
		}
		if facts == nil {
			facts = []*store.Fact{}
		}
		return jsonResult(facts)
	})
}

func registerListIssuesTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_issues",
		mcp.WithDescription("List a project's review issues (contradictions, near-duplicates, missing item links)."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project to list")),
		mcp.WithString("status",
			mcp.Description("Issue status (default: open)"),
			mcp.Enum(store.IssueOpen, store.IssueResolved, store.IssueDismissed, store.IssueStatusAll),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of issues (default: all)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		issues, err := svc.ListIssues(ctx, project, req.GetString("status", ""), int(req.GetFloat("limit", 0)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list issues error: %v", err)), nil
		}
		if issues == nil {
			issues = []*store.Issue{}
		}
		return jsonResult(issues)
	})
}

func registerListRunsTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_runs",
		mcp.WithDescription("List a project's extraction runs, newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project to list")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 10, max: 50)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		runs, err := svc.ListRuns(ctx, project, int(req.GetFloat("limit", 0)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list runs error: %v", err)), nil
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		return jsonResult(runs)
	})
}

func registerContextTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_context",
		mcp.WithDescription("Return the facts that may serve as ground truth for a project or items, as bullets and records."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project to query")),
		mcp.WithString("scope_type",
			mcp.Description("Context scope (default: project)"),
			mcp.Enum(lifecycle.ContextProject, lifecycle.ContextItem, lifecycle.ContextMultiItem),
		),
		mcp.WithString("item_ids", mcp.Description("Comma-separated item ids for item and multiItem scopes")),
		mcp.WithString("query", mcp.Description("Rank by similarity to this text")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of facts (default: 30, range 5-80)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		res, err := svc.Context(ctx, lifecycle.ContextQuery{
			Project:   project,
			ScopeType: req.GetString("scope_type", ""),
			ItemIDs:   splitList(req.GetString("item_ids", "")),
			QueryText: req.GetString("query", ""),
			Limit:     int(req.GetFloat("limit", 0)),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context error: %v", err)), nil
		}
		return jsonResult(res)
	})
}

// --- Review ---

func registerFactActionTools(s *server.MCPServer, svc *lifecycle.Service) {
	actions := []struct {
		name, description string
		destructive       bool
		fn                func(context.Context, int64) (*lifecycle.Action, error)
	}{
		{"facts_accept", "Accept a proposed or hypothesis fact.", false, svc.Accept},
		{"facts_reject", "Reject a fact. Rejecting twice is a no-op.", false, svc.Reject},
		{"facts_delete", "Delete a fact with its embedding, issues and group membership.", true, svc.Delete},
	}

	for _, a := range actions {
		tool := mcp.NewTool(a.name,
			mcp.WithDescription(a.description),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(a.destructive),
			mcp.WithNumber("fact_id", mcp.Required(), mcp.Description("Fact id")),
		)
		fn := a.fn
		s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireFloat("fact_id")
			if err != nil {
				return mcp.NewToolResultError("fact_id is required"), nil
			}
			act, err := fn(ctx, int64(id))
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(act)
		})
	}
}

func registerEditTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_edit",
		mcp.WithDescription("Replace a fact's text. The fact is re-hashed and re-embedded."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("fact_id", mcp.Required(), mcp.Description("Fact id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("New statement")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireFloat("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		act, err := svc.UpdateText(ctx, int64(id), text)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(act)
	})
}

func registerAssignItemTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_assign_item",
		mcp.WithDescription("Scope a fact to a catalog item of its project."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("fact_id", mcp.Required(), mcp.Description("Fact id")),
		mcp.WithString("item_id", mcp.Required(), mcp.Description("Catalog item id")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireFloat("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}
		act, err := svc.AssignItem(ctx, int64(id), itemID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(act)
	})
}

func registerResolveIssueTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_resolve_issue",
		mcp.WithDescription("Close a review issue."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("issue_id", mcp.Required(), mcp.Description("Issue id")),
		mcp.WithString("status", mcp.Description("Resolution (default: resolved)"), mcp.Enum(store.IssueResolved, store.IssueDismissed)),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireFloat("issue_id")
		if err != nil {
			return mcp.NewToolResultError("issue_id is required"), nil
		}
		act, err := svc.ResolveIssue(ctx, int64(id), req.GetString("status", store.IssueResolved))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(act)
	})
}

func registerPostProcessTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_post_process",
		mcp.WithDescription("Re-run embedding, grouping and contradiction checks for one fact."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("fact_id", mcp.Required(), mcp.Description("Fact id")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireFloat("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		res, err := svc.PostProcess(ctx, int64(id))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("post-process error: %v", err)), nil
		}
		return jsonResult(res)
	})
}

func registerSetEnabledTool(s *server.MCPServer, svc *lifecycle.Service) {
	tool := mcp.NewTool("facts_set_enabled",
		mcp.WithDescription("Turn fact extraction and review on or off for a project."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Whether facts are enabled")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcp.NewToolResultError("project is required"), nil
		}
		enabled, err := req.RequireBool("enabled")
		if err != nil {
			return mcp.NewToolResultError("enabled is required"), nil
		}
		if err := svc.SetFactsEnabled(ctx, project, enabled); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"project": project, "facts_enabled": enabled})
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, svc *lifecycle.Service) {
	resource := mcp.NewResource(
		"facts://stats",
		"Fact Statistics",
		mcp.WithResourceDescription("Counts of bundles, runs, facts by status, open issues, groups and embeddings."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := svc.Stats(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Helpers ---

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
