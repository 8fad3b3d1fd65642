package knowledge_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/policy"
	"github.com/m-mizutani/recollect/pkg/tool"
	knowledgetool "github.com/m-mizutani/recollect/pkg/tool/knowledge"
	"github.com/m-mizutani/recollect/pkg/usecase/knowledge"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
	"google.golang.org/genai"
)

func setup(t *testing.T) *tool.Registry {
	t.Helper()
	ctx := context.Background()

	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	checker, err := policy.New(ctx)
	gt.NoError(t, err)

	uc := knowledge.New(adapter.NewHashEmbedder(64), index, knowledge.WithAdmission(checker))
	_, err = uc.EnsureIndex(ctx, "")
	gt.NoError(t, err)

	return tool.New(knowledgetool.New(uc, knowledgetool.WithCategories(checker.Categories())))
}

func TestSpec(t *testing.T) {
	tl := knowledgetool.New(nil, knowledgetool.WithCategories(model.DefaultCategories))
	spec := tl.Spec()
	gt.A(t, spec.FunctionDeclarations).Length(5)

	add := spec.FunctionDeclarations[0]
	gt.Equal(t, add.Name, "add_document")
	gt.Map(t, add.Parameters.Properties).HasKey("title")
	gt.Map(t, add.Parameters.Properties).HasKey("category")
	gt.Equal(t, len(add.Parameters.Required), 3)
	gt.Equal(t, len(add.Parameters.Properties["category"].Enum), 5)

	gt.S(t, tl.Prompt(context.Background())).Contains("technology")
}

func TestAddAndSearch(t *testing.T) {
	ctx := context.Background()
	registry := setup(t)

	added := registry.Run(ctx, genai.FunctionCall{
		Name: "add_document",
		Args: map[string]any{
			"title":    "Rust ownership",
			"content":  "Ownership rules decide when memory is freed in Rust",
			"category": "technology",
			"tags":     []any{"rust", "memory"},
		},
	})
	gt.True(t, tool.IsSuccess(added))
	doc := added[tool.KeyResult].(map[string]any)
	gt.NotEqual(t, doc["id"], "")

	searched := registry.Run(ctx, genai.FunctionCall{
		Name: "search_knowledge",
		Args: map[string]any{"query": "Rust ownership", "top_k": float64(3)},
	})
	gt.True(t, tool.IsSuccess(searched))
	result := searched[tool.KeyResult].(map[string]any)
	gt.V(t, result["count"]).Equal(float64(1))
	first := result["results"].([]any)[0].(map[string]any)
	gt.V(t, first["title"]).Equal("Rust ownership")
	gt.V(t, first["position"]).Equal(float64(1))
	gt.V(t, first["id"]).Equal(doc["id"])

	described := registry.Run(ctx, genai.FunctionCall{Name: "describe_index", Args: map[string]any{}})
	gt.True(t, tool.IsSuccess(described))
	info := described[tool.KeyResult].(map[string]any)
	gt.V(t, info["count"]).Equal(float64(1))
	gt.V(t, info["metric"]).Equal("cosine")

	listed := registry.Run(ctx, genai.FunctionCall{Name: "list_indexes"})
	gt.True(t, tool.IsSuccess(listed))
	gt.V(t, listed[tool.KeyResult].(map[string]any)["indexes"]).Equal([]any{"knowledge"})
}

func TestFailures(t *testing.T) {
	ctx := context.Background()
	registry := setup(t)

	testCases := []struct {
		name string
		fc   genai.FunctionCall
	}{
		{"missing title", genai.FunctionCall{Name: "add_document", Args: map[string]any{"content": "c", "category": "science"}}},
		{"unknown category", genai.FunctionCall{Name: "add_document", Args: map[string]any{"title": "t", "content": "c", "category": "gossip"}}},
		{"empty query", genai.FunctionCall{Name: "search_knowledge", Args: map[string]any{"query": ""}}},
		{"zero top_k", genai.FunctionCall{Name: "search_knowledge_snippets", Args: map[string]any{"query": "q", "top_k": float64(0)}}},
		{"unknown index", genai.FunctionCall{Name: "describe_index", Args: map[string]any{"index": "missing"}}},
		{"wrong type", genai.FunctionCall{Name: "search_knowledge", Args: map[string]any{"query": 12}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := registry.Run(ctx, tc.fc)
			gt.False(t, tool.IsSuccess(result))
			gt.NotEqual(t, result[tool.KeyError], "")
			gt.NotEqual(t, result[tool.KeyHint], nil)
		})
	}
}
