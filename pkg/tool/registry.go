package tool

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"google.golang.org/genai"
)

var errToolNotFound = goerr.New("tool not found")

// Registry manages available tools for the LLM and is the boundary where
// errors become failure results
type Registry struct {
	tools        map[string]Tool
	allTools     []Tool
	declarations []*genai.FunctionDeclaration
}

// New creates a new tool registry with the given tools
func New(tools ...Tool) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		allTools: tools,
	}

	for _, t := range tools {
		spec := t.Spec()
		if spec == nil {
			continue
		}
		for _, fd := range spec.FunctionDeclarations {
			r.tools[fd.Name] = t
			r.declarations = append(r.declarations, fd)
		}
	}

	return r
}

// Specs returns all tool specifications for Gemini function calling
func (r *Registry) Specs() []*genai.Tool {
	if len(r.declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: r.declarations}}
}

// Declarations returns every function declaration in registration order
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	return r.declarations
}

// Prompts returns all tool prompts concatenated
func (r *Registry) Prompts(ctx context.Context) string {
	var prompts []string
	for _, t := range r.allTools {
		if prompt := t.Prompt(ctx); prompt != "" {
			prompts = append(prompts, prompt)
		}
	}
	return strings.Join(prompts, "\n\n")
}

// Run executes a function call and always returns a contract result
func (r *Registry) Run(ctx context.Context, fc genai.FunctionCall) map[string]any {
	t, ok := r.tools[fc.Name]
	if !ok {
		err := goerr.Wrap(errToolNotFound, "unknown function", goerr.V("name", fc.Name))
		return Failure(goerr.Wrap(model.ErrInvalidArgument, err.Error()))
	}

	result, err := t.Execute(ctx, fc)
	if err != nil {
		logging.From(ctx).Warn("tool call failed", "name", fc.Name, logging.ErrAttr(err))
		return Failure(err)
	}
	return result
}

// Execute runs the function call and wraps the result for Gemini
func (r *Registry) Execute(ctx context.Context, fc genai.FunctionCall) *genai.FunctionResponse {
	return &genai.FunctionResponse{
		ID:       fc.ID,
		Name:     fc.Name,
		Response: r.Run(ctx, fc),
	}
}
