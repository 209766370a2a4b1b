// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the content graph to LLM tooling over the stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/plugin"
	"github.com/starford/kiln/internal/query"
)

// Graph is the read side of the content graph the tools inspect.
type Graph interface {
	GetNode(id string) *models.Node
	Snapshot() []*models.Node
	NodesByType(typ string) []*models.Node
	NodesByOwner(owner string) []*models.Node
	Types() []string
}

// Plugins lists the resolved plugins.
type Plugins interface {
	Descriptors() []plugin.Descriptor
}

// Server wraps the MCP server with the graph tools.
type Server struct {
	mcp     *server.MCPServer
	graph   Graph
	plugins Plugins
	exec    query.Executor
}

// New creates a new MCP server with all tools registered. exec may be nil,
// in which case run_query reports an error.
func New(g Graph, plugins Plugins, exec query.Executor) *Server {
	s := &Server{graph: g, plugins: plugins, exec: exec}

	s.mcp = server.NewMCPServer(
		"Kiln",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_node",
		mcp.WithDescription("Read a single content node by id, including its fields, parent and children."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	), s.getNode)

	s.mcp.AddTool(mcp.NewTool("list_nodes",
		mcp.WithDescription("List node ids, optionally filtered by internal type or owning plugin."),
		mcp.WithString("type", mcp.Description("Optional node type (e.g. MarkdownRemark)")),
		mcp.WithString("owner", mcp.Description("Optional owning plugin name")),
	), s.listNodes)

	s.mcp.AddTool(mcp.NewTool("list_types",
		mcp.WithDescription("List every node type in the graph with its node count."),
	), s.listTypes)

	s.mcp.AddTool(mcp.NewTool("list_plugins",
		mcp.WithDescription("List the resolved plugins and the node APIs each implements."),
	), s.listPlugins)

	s.mcp.AddTool(mcp.NewTool("run_query",
		mcp.WithDescription("Evaluate a query against the current graph without writing any artifacts. "+
			"Read the kiln://query-format resource for the query syntax."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query text")),
		mcp.WithString("variables", mcp.Description("Optional JSON object of query variables")),
	), s.runQuery)

	s.mcp.AddResource(
		mcp.NewResource("kiln://query-format", "Query Format",
			mcp.WithResourceDescription("Syntax of the query language page and static queries are written in."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readQueryFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) getNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := s.graph.GetNode(id)
	if n == nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return jsonResult(n.Map())
}

func (s *Server) listNodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("type", "")
	owner := req.GetString("owner", "")

	var nodes []*models.Node
	switch {
	case typ != "":
		nodes = s.graph.NodesByType(typ)
	case owner != "":
		nodes = s.graph.NodesByOwner(owner)
	default:
		nodes = s.graph.Snapshot()
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if owner != "" && n.Internal.Owner != owner {
			continue
		}
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return jsonResult(ids)
}

type typeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func (s *Server) listTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	types := s.graph.Types()
	out := make([]typeCount, 0, len(types))
	for _, t := range types {
		out = append(out, typeCount{Type: t, Count: len(s.graph.NodesByType(t))})
	}
	return jsonResult(out)
}

func (s *Server) listPlugins(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.plugins.Descriptors())
}

func (s *Server) runQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.exec == nil {
		return mcp.NewToolResultError("no query executor configured"), nil
	}

	vars := map[string]any{}
	if raw := req.GetString("variables", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid variables: %v", err)), nil
		}
	}

	resp, err := s.exec.Execute(ctx, text, vars, query.ExecOptions{QueryName: "mcp"})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(resp.Errors) > 0 {
		out, _ := json.MarshalIndent(resp.Errors, "", "  ")
		return mcp.NewToolResultError(string(out)), nil
	}
	return jsonResult(resp.Data)
}

func (s *Server) readQueryFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "kiln://query-format",
			MIMEType: "text/markdown",
			Text:     QueryFormat,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
