package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/m-mizutani/recollect/pkg/usecase/knowledge"
	"google.golang.org/genai"
)

const (
	fnAddDocument    = "add_document"
	fnSearch         = "search_knowledge"
	fnSearchSnippets = "search_knowledge_snippets"
	fnDescribeIndex  = "describe_index"
	fnListIndexes    = "list_indexes"
)

// Tool exposes the knowledge base to the LLM
type Tool struct {
	uc         *knowledge.UseCase
	categories []model.Category
}

var _ tool.Tool = (*Tool)(nil)

// Option configures Tool
type Option func(*Tool)

// WithCategories advertises the accepted categories in the schema and prompt
func WithCategories(categories []model.Category) Option {
	return func(t *Tool) {
		t.categories = categories
	}
}

// New creates the knowledge tool
func New(uc *knowledge.UseCase, opts ...Option) *Tool {
	t := &Tool{uc: uc}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) categoryEnum() []string {
	out := make([]string, len(t.categories))
	for i, c := range t.categories {
		out[i] = string(c)
	}
	return out
}

func searchParameters() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"query": {
				Type:        genai.TypeString,
				Description: "Natural language query",
			},
			"index": {
				Type:        genai.TypeString,
				Description: "Index name (default: the knowledge index)",
			},
			"top_k": {
				Type:        genai.TypeInteger,
				Description: fmt.Sprintf("Number of results (default: %d, must be positive)", knowledge.DefaultTopK),
			},
		},
		Required: []string{"query"},
	}
}

// Spec implements tool.Tool
func (t *Tool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        fnAddDocument,
				Description: "Add a document to the knowledge base so that it can be found by search_knowledge later",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"title": {
							Type:        genai.TypeString,
							Description: "Short title of the document",
						},
						"content": {
							Type:        genai.TypeString,
							Description: "Body text of the document",
						},
						"category": {
							Type:        genai.TypeString,
							Description: "Category of the document",
							Enum:        t.categoryEnum(),
						},
						"tags": {
							Type:        genai.TypeArray,
							Description: "Optional keywords",
							Items:       &genai.Schema{Type: genai.TypeString},
						},
						"index": {
							Type:        genai.TypeString,
							Description: "Index name (default: the knowledge index)",
						},
					},
					Required: []string{"title", "content", "category"},
				},
			},
			{
				Name:        fnSearch,
				Description: "Search the knowledge base by meaning and return the most similar documents with full content",
				Parameters:  searchParameters(),
			},
			{
				Name:        fnSearchSnippets,
				Description: fmt.Sprintf("Same as %s but content is shortened to %d characters. Use it to skim many results.", fnSearch, knowledge.SnippetLength),
				Parameters:  searchParameters(),
			},
			{
				Name:        fnDescribeIndex,
				Description: "Show dimension, metric and document count of an index",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"index": {
							Type:        genai.TypeString,
							Description: "Index name (default: the knowledge index)",
						},
					},
				},
			},
			{
				Name:        fnListIndexes,
				Description: "List the names of all indexes",
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{},
				},
			},
		},
	}
}

// Prompt implements tool.Tool
func (t *Tool) Prompt(ctx context.Context) string {
	if len(t.categories) == 0 {
		return ""
	}
	return "### Knowledge base\n\nDocuments are filed under one of these categories: " +
		strings.Join(t.categoryEnum(), ", ") + "."
}

type addDocumentInput struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Index    string   `json:"index"`
}

type searchInput struct {
	Query string `json:"query"`
	Index string `json:"index"`
	TopK  *int   `json:"top_k"`
}

type indexInput struct {
	Index string `json:"index"`
}

// Execute implements tool.Tool
func (t *Tool) Execute(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
	switch fc.Name {
	case fnAddDocument:
		var input addDocumentInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		doc, err := t.uc.AddDocument(ctx, knowledge.AddDocumentInput{
			Title:    input.Title,
			Content:  input.Content,
			Category: model.Category(input.Category),
			Tags:     input.Tags,
			Index:    input.Index,
		})
		if err != nil {
			return nil, err
		}
		return tool.Success(doc), nil

	case fnSearch, fnSearchSnippets:
		var input searchInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		req := knowledge.SearchInput{Query: input.Query, Index: input.Index}
		if input.TopK != nil {
			// an explicit zero is a caller mistake, not a request for the default
			if *input.TopK <= 0 {
				return nil, goerr.Wrap(model.ErrInvalidArgument, "top_k must be positive", goerr.V("top_k", *input.TopK))
			}
			req.TopK = *input.TopK
		}

		search := t.uc.Search
		if fc.Name == fnSearchSnippets {
			search = t.uc.SearchSnippets
		}
		results, err := search(ctx, req)
		if err != nil {
			return nil, err
		}
		return tool.Success(map[string]any{
			"count":   len(results),
			"results": results,
		}), nil

	case fnDescribeIndex:
		var input indexInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		info, err := t.uc.DescribeIndex(ctx, input.Index)
		if err != nil {
			return nil, err
		}
		return tool.Success(info), nil

	case fnListIndexes:
		names, err := t.uc.ListIndexes(ctx)
		if err != nil {
			return nil, err
		}
		return tool.Success(map[string]any{"indexes": names}), nil

	default:
		return nil, goerr.Wrap(model.ErrInvalidArgument, "unknown function", goerr.V("name", fc.Name))
	}
}
