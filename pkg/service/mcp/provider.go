package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/genai"
)

// Provider implements tool.Tool for the tools of connected external MCP servers
type Provider struct {
	client *Client
	tools  map[string]*remoteTool
	decls  []*genai.FunctionDeclaration
}

type remoteTool struct {
	server string
	name   string
}

var _ tool.Tool = (*Provider)(nil)

// NewProvider collects the tools of every server connected to the client
func NewProvider(client *Client) (*Provider, error) {
	p := &Provider{
		client: client,
		tools:  make(map[string]*remoteTool),
	}

	for _, server := range client.Servers() {
		tools, err := client.Tools(server)
		if err != nil {
			return nil, err
		}

		for _, t := range tools {
			decl, err := convertToFunctionDeclaration(t)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert tool",
					goerr.V("server", server),
					goerr.V("tool", t.Name))
			}
			p.tools[t.Name] = &remoteTool{server: server, name: t.Name}
			p.decls = append(p.decls, decl)
		}
	}

	return p, nil
}

func convertToFunctionDeclaration(t *mcp.Tool) (*genai.FunctionDeclaration, error) {
	decl := &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
	}
	if t.InputSchema == nil {
		return decl, nil
	}

	// InputSchema arrives as an untyped value from the wire
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal input schema")
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal input schema")
	}

	schema, err := convertJSONSchemaToGenai(&js)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to convert input schema")
	}
	decl.Parameters = schema
	return decl, nil
}

// Spec returns the tool specification for Gemini
func (p *Provider) Spec() *genai.Tool {
	if len(p.decls) == 0 {
		return nil
	}
	return &genai.Tool{FunctionDeclarations: p.decls}
}

// Prompt returns additional prompt information
func (p *Provider) Prompt(ctx context.Context) string {
	if len(p.decls) == 0 {
		return ""
	}
	return "External MCP tools are also available. Prefer the built-in knowledge and memory tools for stored knowledge and past conversations."
}

// Execute calls the remote tool and maps its text content into a result
func (p *Provider) Execute(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
	target, ok := p.tools[fc.Name]
	if !ok {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "unknown function", goerr.V("name", fc.Name))
	}

	result, err := p.client.CallTool(ctx, target.server, target.name, fc.Args)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	output := strings.Join(texts, "\n")

	if result.IsError {
		return nil, goerr.New("remote tool failed",
			goerr.V("server", target.server),
			goerr.V("tool", target.name),
			goerr.V("output", output))
	}
	return tool.Success(map[string]any{"output": output}), nil
}
