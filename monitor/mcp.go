package monitor

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagewatch/idgen"
	"github.com/hazyhaar/pagewatch/kit"
)

// RegisterMCP registers all monitor tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerAddPage(srv)
	s.registerListPages(srv)
	s.registerRemovePage(srv)
	s.registerCheckNow(srv)
	s.registerRecentChanges(srv)
	s.registerFetchHistory(srv)
	s.registerStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// toolMiddleware is the stack every MCP tool endpoint runs under: a
// request ID for log correlation, then a per-call log line. The stdio
// transport carries no connection metadata, so the ID is minted here.
func (s *Service) toolMiddleware(name string) kit.Middleware {
	requestID := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if kit.GetRequestID(ctx) == "" {
				ctx = kit.WithRequestID(ctx, idgen.New())
			}
			return next(ctx, req)
		}
	}
	logCall := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			if err != nil {
				s.logger.Warn("monitor: tool call failed",
					"tool", name, "request_id", kit.GetRequestID(ctx), "error", err)
				return nil, err
			}
			s.logger.Debug("monitor: tool call",
				"tool", name, "request_id", kit.GetRequestID(ctx))
			return resp, nil
		}
	}
	return kit.Chain(requestID, logCall)
}

func decodeInto[T any]() func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p T
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}
}

func (s *Service) registerAddPage(srv *mcp.Server) {
	type req struct {
		URL         string   `json:"url"`
		Title       string   `json:"title"`
		Interval    int64    `json:"check_interval"`
		Exclusions  []string `json:"exclusions"`
		ReportFirst *bool    `json:"report_first"`
	}

	tool := &mcp.Tool{
		Name:        "pagewatch_add_page",
		Description: "Start watching a URL for content changes",
		InputSchema: inputSchema(map[string]any{
			"url":            map[string]any{"type": "string", "description": "URL to watch"},
			"title":          map[string]any{"type": "string", "description": "Display title"},
			"check_interval": map[string]any{"type": "integer", "description": "Check interval in ms"},
			"exclusions":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "XPath-style exclusion rules, e.g. //div[@class='ads']"},
			"report_first":   map[string]any{"type": "boolean", "description": "Report every segment on the first observation"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.AddPage(ctx, &PageInput{
			URL:           p.URL,
			Title:         p.Title,
			CheckInterval: p.Interval,
			Exclusions:    p.Exclusions,
			ReportFirst:   p.ReportFirst,
		})
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerListPages(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "pagewatch_list_pages",
		Description: "List all watched pages with their check status",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.ListPages(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerRemovePage(srv *mcp.Server) {
	type req struct {
		PageID string `json:"page_id"`
	}

	tool := &mcp.Tool{
		Name:        "pagewatch_remove_page",
		Description: "Stop watching a page and delete its history",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Page ID"},
		}, []string{"page_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := s.RemovePage(ctx, p.PageID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "removed"}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerCheckNow(srv *mcp.Server) {
	type req struct {
		PageID string `json:"page_id"`
	}

	tool := &mcp.Tool{
		Name:        "pagewatch_check_now",
		Description: "Check a page immediately and return the rendered change report, if any",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Page ID"},
		}, []string{"page_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		rep, err := s.CheckNow(ctx, p.PageID)
		if err != nil {
			return nil, err
		}
		if rep == nil {
			return map[string]any{"changed": false}, nil
		}
		return map[string]any{"changed": true, "report": rep}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerRecentChanges(srv *mcp.Server) {
	type req struct {
		PageID string `json:"page_id"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "pagewatch_recent_changes",
		Description: "List recently reported changes, newest first",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Restrict to one page (optional)"},
			"limit":   map[string]any{"type": "integer", "description": "Max entries (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RecentChanges(ctx, p.PageID, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerFetchHistory(srv *mcp.Server) {
	type req struct {
		PageID string `json:"page_id"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "pagewatch_fetch_history",
		Description: "Show recent check attempts for a page",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Page ID"},
			"limit":   map[string]any{"type": "integer", "description": "Max entries (default 50)"},
		}, []string{"page_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.FetchHistory(ctx, p.PageID, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}

func (s *Service) registerStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "pagewatch_stats",
		Description: "Monitor statistics: pages, baselines, queue depth, counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.GetStats(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.toolMiddleware(tool.Name)(endpoint), decodeInto[req]())
}
