package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/genai"
)

const (
	serverName    = "recollect"
	serverVersion = "0.1.0"
)

// Server exposes every function of a tool registry as an MCP tool
type Server struct {
	server   *mcp.Server
	registry *tool.Registry
}

// NewServer registers the declarations of the registry with a new MCP server
func NewServer(registry *tool.Registry) (*Server, error) {
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		}, nil),
		registry: registry,
	}

	for _, fd := range registry.Declarations() {
		schema, err := convertGenaiToJSONSchema(fd.Parameters)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert tool schema", goerr.V("tool", fd.Name))
		}
		// object schema is required for MCP tool input
		schema.Type = "object"

		s.server.AddTool(&mcp.Tool{
			Name:        fd.Name,
			Description: fd.Description,
			InputSchema: schema,
		}, s.handler(fd.Name))
	}

	return s, nil
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return textResult(tool.Failure(goerr.Wrap(err, "arguments are not a JSON object", goerr.V("tool", name))))
			}
		}

		logging.From(ctx).Debug("mcp tool call", "name", name)
		return textResult(s.registry.Run(ctx, genai.FunctionCall{Name: name, Args: args}))
	}
}

func textResult(result map[string]any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
		IsError: !tool.IsSuccess(result),
	}, nil
}

// Run serves a single session on the transport until the client disconnects
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// RunStdio serves on standard input and output
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the registry over the streamable HTTP transport
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// Connect attaches the server to a transport without blocking
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) error {
	if _, err := s.server.Connect(ctx, transport, nil); err != nil {
		return goerr.Wrap(err, "failed to connect mcp server")
	}
	return nil
}
