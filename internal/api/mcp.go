package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/paygate/internal/placement"
)

// NewMCPServer creates an MCP server exposing placement tools and the daemon
// status resource.
func NewMCPServer(svc *Service) *server.MCPServer {
	s := server.NewMCPServer(
		"paygate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("paygate decides which paywall experiment a placement shows and reports the outcome."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("register_placement",
			mcp.WithDescription("Register a placement and return the audience outcome and, when one is shown, the paywall."),
			mcp.WithString("name", mcp.Description("Placement name"), mcp.Required()),
			mcp.WithObject("params", mcp.Description("Placement parameters exposed to audience rules as params.*")),
			mcp.WithString("locale", mcp.Description("Locale for price formatting, e.g. en_US")),
		),
		mcpRegisterPlacement(svc),
	)

	s.AddTool(
		mcp.NewTool("list_assignments",
			mcp.WithDescription("List experiment assignments of the current identity, confirmed entries first."),
		),
		mcpListAssignments(svc),
	)

	s.AddTool(
		mcp.NewTool("reset_identity",
			mcp.WithDescription("Log the current identity out: new identifier, no attributes, no assignments."),
		),
		mcpResetIdentity(svc),
	)

	s.AddTool(
		mcp.NewTool("refresh_config",
			mcp.WithDescription("Fetch the remote placement config now."),
		),
		mcpRefreshConfig(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"paygate://status",
			"Daemon Status",
			mcp.WithResourceDescription("Current config build, telemetry backlog and assignment counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(svc),
	)

	return s
}

func mcpRegisterPlacement(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil || name == "" {
			return mcpError("name is required"), nil
		}

		var params map[string]any
		if raw, ok := req.GetArguments()["params"]; ok && raw != nil {
			m, ok := raw.(map[string]any)
			if !ok {
				return mcpError("params must be an object"), nil
			}
			params = m
		}

		res := svc.Register(ctx, placement.Request{
			Name:   name,
			Params: params,
			Locale: req.GetString("locale", ""),
		})
		return mcpJSON(res)
	}
}

func mcpListAssignments(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := svc.Assignments()
		if err != nil {
			return mcpError(fmt.Sprintf("listing assignments failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("No assignments."), nil
		}
		return mcpJSON(entries)
	}
}

func mcpResetIdentity(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.Reset(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reset failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRefreshConfig(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := svc.Refresh(ctx); err != nil {
			return mcpError(fmt.Sprintf("refresh failed: %v", err)), nil
		}
		return mcpText("Config refreshed."), nil
	}
}

func mcpResourceStatus(svc *Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := svc.Status()
		if err != nil {
			return nil, fmt.Errorf("failed to read status: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
