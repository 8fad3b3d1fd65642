package tool_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/tool"
	"google.golang.org/genai"
)

type mockTool struct {
	name   string
	prompt string
	exec   func(ctx context.Context, fc genai.FunctionCall) (map[string]any, error)
}

func (m *mockTool) Spec() *genai.Tool {
	return &genai.Tool{FunctionDeclarations: []*genai.FunctionDeclaration{{Name: m.name}}}
}

func (m *mockTool) Execute(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
	return m.exec(ctx, fc)
}

func (m *mockTool) Prompt(ctx context.Context) string { return m.prompt }

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	type payload struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}

	registry := tool.New(
		&mockTool{
			name:   "ok",
			prompt: "first",
			exec: func(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
				return tool.Success(payload{Count: 2, Name: fc.Args["name"].(string)}), nil
			},
		},
		&mockTool{
			name:   "broken",
			prompt: "second",
			exec: func(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
				return nil, goerr.Wrap(model.ErrIndexNotFound, "index not found", goerr.V("index", "kb"))
			},
		},
	)

	gt.A(t, registry.Declarations()).Length(2)
	gt.A(t, registry.Specs()).Length(1)
	gt.Equal(t, registry.Prompts(ctx), "first\n\nsecond")

	t.Run("success is normalized", func(t *testing.T) {
		resp := registry.Execute(ctx, genai.FunctionCall{ID: "1", Name: "ok", Args: map[string]any{"name": "x"}})
		gt.Equal(t, resp.ID, "1")
		gt.Equal(t, resp.Name, "ok")
		gt.True(t, tool.IsSuccess(resp.Response))
		result := resp.Response[tool.KeyResult].(map[string]any)
		gt.V(t, result["count"]).Equal(float64(2))
		gt.V(t, result["name"]).Equal("x")
	})

	t.Run("errors become failures with hint", func(t *testing.T) {
		result := registry.Run(ctx, genai.FunctionCall{Name: "broken"})
		gt.False(t, tool.IsSuccess(result))
		gt.S(t, result[tool.KeyError].(string)).Contains("index not found")
		gt.S(t, result[tool.KeyHint].(string)).Contains("list_indexes")
	})

	t.Run("unknown function", func(t *testing.T) {
		result := registry.Run(ctx, genai.FunctionCall{Name: "nope"})
		gt.False(t, tool.IsSuccess(result))
		gt.S(t, result[tool.KeyError].(string)).Contains("unknown function")
	})
}

func TestHint(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{goerr.Wrap(model.ErrConfigurationMissing, "no key"), "Set the credential"},
		{goerr.Wrap(model.ErrEmbeddingUnavailable, "401"), "Reconfigure"},
		{goerr.Wrap(model.ErrEmbeddingProvider, "500"), "Retry"},
		{goerr.Wrap(model.ErrInvalidArgument, "bad"), "Check the arguments"},
	}
	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			gt.S(t, tool.Hint(tc.err)).Contains(tc.want)
		})
	}
	gt.Equal(t, tool.Hint(goerr.New("unclassified")), "")
}

func TestDecodeArgs(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
		TopK int    `json:"top_k"`
	}
	gt.NoError(t, tool.DecodeArgs(map[string]any{"name": "a", "top_k": float64(3)}, &dst))
	gt.Equal(t, dst.Name, "a")
	gt.Equal(t, dst.TopK, 3)

	err := tool.DecodeArgs(map[string]any{"top_k": "three"}, &dst)
	gt.Error(t, err)
}
