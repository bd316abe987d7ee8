package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

//go:embed instructions.md
var instructions string

const resourceScheme = "implementors://"

// Backend is the part of the daemon client the MCP server uses.
type Backend interface {
	Load(ctx context.Context, req rpc.LoadRequest, onProgress func(string)) (*rpc.LoadResponse, error)
	Initialize(ctx context.Context) (*rpc.InitializeResponse, error)
	Lookup(ctx context.Context, group string) (*rpc.LookupResponse, error)
	Render(ctx context.Context, group, format string) (*rpc.RenderResponse, error)
	Groups(ctx context.Context, prefix string) (*rpc.GroupsResponse, error)
}

var _ Backend = (*daemon.Client)(nil)

type Server struct {
	mcpServer *server.MCPServer
	backend   Backend
}

func NewServer(socketPath string) (*Server, error) {
	client, err := daemon.ConnectOrSpawn(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return newServer(client), nil
}

func newServer(backend Backend) *Server {
	s := &Server{backend: backend}

	mcpServer := server.NewMCPServer(
		"implindex",
		"0.1.0",
		server.WithInstructions(instructions),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.mcpServer = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("lookup_implementors",
			mcp.WithDescription("List the implementors of a trait, grouped by contributing crate. Returns Markdown by default, or the raw rustdoc records with format \"json\"."),
			mcp.WithString("trait",
				mcp.Description("Full trait path, e.g. \"staging_xcm::v3::traits::SendXcm\""),
				mcp.Required(),
			),
			mcp.WithString("format",
				mcp.Description("\"markdown\" (default) or \"json\""),
				mcp.Enum("markdown", "json"),
			),
		),
		s.handleLookup,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_traits",
			mcp.WithDescription("List the traits that have registered implementors."),
			mcp.WithString("prefix",
				mcp.Description("Only list traits whose path starts with this prefix"),
			),
		),
		s.handleListTraits,
	)

	mcpServer.AddTool(
		mcp.NewTool("load_fragments",
			mcp.WithDescription("Load implementor fragments from rustdoc output directories or fragment URLs."),
			mcp.WithArray("dirs",
				mcp.Description("Directories to scan for implementors/**/*.js fragments"),
				mcp.Items(map[string]interface{}{"type": "string"}),
			),
			mcp.WithArray("urls",
				mcp.Description("Fragment URLs to fetch"),
				mcp.Items(map[string]interface{}{"type": "string"}),
			),
			mcp.WithBoolean("initialize",
				mcp.Description("Initialize the index after loading, if it is not initialized yet"),
			),
		),
		s.handleLoad,
	)
}

func (s *Server) registerResources(mcpServer *server.MCPServer) {
	mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			resourceScheme+"{group}",
			"Trait implementors",
			mcp.WithTemplateDescription("The implementors of a trait, rendered as Markdown."),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleReadResource,
	)
}

func (s *Server) handleLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	group, _ := args["trait"].(string)
	if group == "" {
		return mcp.NewToolResultError("missing required parameter: trait"), nil
	}
	format, _ := args["format"].(string)

	if format == "json" {
		resp, err := s.backend.Lookup(ctx, group)
		if err != nil {
			return lookupError(group, err), nil
		}
		resultJSON, _ := json.MarshalIndent(resp.Implementors, "", "  ")
		return mcp.NewToolResultText(string(resultJSON)), nil
	}

	resp, err := s.backend.Render(ctx, group, "markdown")
	if err != nil {
		return lookupError(group, err), nil
	}
	return mcp.NewToolResultText(resp.Content), nil
}

func lookupError(group string, err error) *mcp.CallToolResult {
	var se *daemon.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return mcp.NewToolResultError(se.Message)
	}
	return mcp.NewToolResultError(fmt.Sprintf("lookup of %s failed: %v", group, err))
}

func (s *Server) handleListTraits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix, _ := req.GetArguments()["prefix"].(string)

	resp, err := s.backend.Groups(ctx, prefix)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing traits failed: %v", err)), nil
	}
	if len(resp.Groups) == 0 {
		return mcp.NewToolResultText("no traits registered"), nil
	}
	return mcp.NewToolResultText(strings.Join(resp.Groups, "\n")), nil
}

func (s *Server) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var load rpc.LoadRequest
	load.Dirs = stringSlice(args["dirs"])
	load.URLs = stringSlice(args["urls"])
	if len(load.Dirs) == 0 && len(load.URLs) == 0 {
		return mcp.NewToolResultError("provide at least one of: dirs, urls"), nil
	}

	resp, err := s.backend.Load(ctx, load, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load fragments: %v", err)), nil
	}

	if initialize, _ := args["initialize"].(bool); initialize {
		if _, err := s.backend.Initialize(ctx); err != nil && !isConflict(err) {
			return mcp.NewToolResultError(fmt.Sprintf("loaded, but initialize failed: %v", err)), nil
		}
	}

	resultJSON, _ := json.MarshalIndent(resp.Results, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func isConflict(err error) bool {
	var se *daemon.StatusError
	return errors.As(err, &se) && se.Code == http.StatusConflict
}

func stringSlice(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) handleReadResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	group, err := url.PathUnescape(strings.TrimPrefix(uri, resourceScheme))
	if err != nil || group == "" || !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid resource URI: %s", uri)
	}

	resp, err := s.backend.Render(ctx, group, "markdown")
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", group, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     resp.Content,
		},
	}, nil
}

func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) Shutdown(_ context.Context) error {
	return nil
}
