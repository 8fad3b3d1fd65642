package knowledge_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/policy"
	"github.com/m-mizutani/recollect/pkg/usecase/knowledge"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

// mockEmbedder fails every call unless EmbedFunc is set
type mockEmbedder struct {
	adapter.Embedder
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	calls     int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	if m.EmbedFunc == nil {
		return nil, errors.New("unexpected embed call")
	}
	return m.EmbedFunc(ctx, text)
}

func (m *mockEmbedder) Dimensions() int { return 8 }

func setup(t *testing.T, opts ...knowledge.Option) (*knowledge.UseCase, *vectorindex.Chromem) {
	t.Helper()
	ctx := context.Background()

	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	checker, err := policy.New(ctx)
	gt.NoError(t, err)

	opts = append([]knowledge.Option{
		knowledge.WithAdmission(checker),
		knowledge.WithWaitVisible(vectorindex.WaitOptions{Timeout: time.Second}),
	}, opts...)
	uc := knowledge.New(adapter.NewHashEmbedder(128), index, opts...)

	_, err = uc.EnsureIndex(ctx, "")
	gt.NoError(t, err)
	return uc, index
}

func TestAddAndSearch(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)
	uc, index := setup(t, knowledge.WithClock(func() time.Time { return fixed }))

	docs, err := knowledge.LoadSeedFile("")
	gt.NoError(t, err)
	gt.A(t, docs).Length(6)
	for _, r := range uc.Seed(ctx, "", docs) {
		gt.NoError(t, r.Err)
	}

	added, err := uc.AddDocument(ctx, knowledge.AddDocumentInput{
		Title:    "Kubernetes operators",
		Content:  "Operators extend the Kubernetes API with custom controllers",
		Category: model.CategoryTechnology,
		Tags:     []string{" k8s ", "cloud", "k8s"},
	})
	gt.NoError(t, err)
	gt.NotEqual(t, added.ID, model.DocumentID(""))
	gt.Equal(t, added.Tags, []string{"cloud", "k8s"})

	info, err := index.DescribeIndex(ctx, knowledge.DefaultIndex)
	gt.NoError(t, err)
	gt.Equal(t, info.Count, 7)
	gt.Equal(t, info.Dimension, 128)

	t.Run("recall of an added document", func(t *testing.T) {
		results, err := uc.Search(ctx, knowledge.SearchInput{Query: "Kubernetes operators"})
		gt.NoError(t, err)
		gt.True(t, len(results) <= knowledge.DefaultTopK)
		gt.Equal(t, results[0].ID, string(added.ID))
		gt.Equal(t, results[0].Title, "Kubernetes operators")
		gt.Equal(t, results[0].Category, model.CategoryTechnology)
		gt.Equal(t, results[0].Tags, []string{"cloud", "k8s"})
		gt.True(t, results[0].Timestamp.Equal(fixed))
		gt.Equal(t, results[0].Metadata.String(model.PayloadTimestamp), "2025-04-01T09:30:00Z")

		for i, r := range results {
			gt.Equal(t, r.Position, i+1)
			if i > 0 {
				gt.True(t, results[i-1].Score >= r.Score)
			}
		}
	})

	t.Run("topK bounds results", func(t *testing.T) {
		results, err := uc.Search(ctx, knowledge.SearchInput{Query: "sleep", TopK: 2})
		gt.NoError(t, err)
		gt.A(t, results).Length(2)
	})

	t.Run("snippets keep short content", func(t *testing.T) {
		results, err := uc.SearchSnippets(ctx, knowledge.SearchInput{Query: "Kubernetes operators", TopK: 1})
		gt.NoError(t, err)
		gt.Equal(t, results[0].Content, "Operators extend the Kubernetes API with custom controllers")
		_, hasContent := results[0].Metadata[model.PayloadContent]
		gt.False(t, hasContent)
	})
}

func TestAddDocumentValidation(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	checker, err := policy.New(ctx)
	gt.NoError(t, err)

	embedder := &mockEmbedder{}
	uc := knowledge.New(embedder, index, knowledge.WithAdmission(checker))

	testCases := []struct {
		name   string
		input  knowledge.AddDocumentInput
		target error
	}{
		{"missing title", knowledge.AddDocumentInput{Content: "c", Category: model.CategoryScience}, model.ErrInvalidArgument},
		{"missing content", knowledge.AddDocumentInput{Title: "t", Category: model.CategoryScience}, model.ErrInvalidArgument},
		{"missing category", knowledge.AddDocumentInput{Title: "t", Content: "c"}, model.ErrInvalidArgument},
		{"category outside taxonomy", knowledge.AddDocumentInput{Title: "t", Content: "c", Category: "gossip"}, model.ErrPolicyDenied},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := uc.AddDocument(ctx, tc.input)
			gt.Error(t, err)
			gt.True(t, errors.Is(err, tc.target))
		})
	}
	// every rejection happened before any embedding call
	gt.Equal(t, embedder.calls, 0)
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	embedder := &mockEmbedder{}
	uc := knowledge.New(embedder, index)

	_, err = uc.Search(ctx, knowledge.SearchInput{Query: ""})
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))

	_, err = uc.Search(ctx, knowledge.SearchInput{Query: "q", TopK: -1})
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))

	gt.Equal(t, embedder.calls, 0)
}

func TestSearchPropagatesProviderError(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	embedder := &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, model.ErrEmbeddingProvider
		},
	}
	uc := knowledge.New(embedder, index)

	_, err = uc.Search(ctx, knowledge.SearchInput{Query: "q"})
	gt.True(t, errors.Is(err, model.ErrEmbeddingProvider))
}

func TestSearchUnknownIndex(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	uc := knowledge.New(adapter.NewHashEmbedder(8), index)

	_, err = uc.Search(ctx, knowledge.SearchInput{Query: "q", Index: "missing"})
	gt.True(t, errors.Is(err, model.ErrIndexNotFound))
}

func TestSeedContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	uc, _ := setup(t)

	results := uc.Seed(ctx, "", []*model.Document{
		{Title: "a", Content: "alpha", Category: model.CategoryScience},
		{Title: "b", Content: "beta", Category: "unknown"},
		nil,
		{Title: "c", Content: "gamma", Category: model.CategoryHealth},
	})
	gt.A(t, results).Length(4)
	gt.NoError(t, results[0].Err)
	gt.True(t, errors.Is(results[1].Err, model.ErrPolicyDenied))
	gt.True(t, errors.Is(results[2].Err, model.ErrInvalidArgument))
	gt.NoError(t, results[3].Err)
	gt.NotNil(t, results[3].Document)
}

func TestSnippet(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "hello", "hello"},
		{"exactly limit", strings.Repeat("a", 200), strings.Repeat("a", 200)},
		{"one over limit", strings.Repeat("a", 201), strings.Repeat("a", 200) + "..."},
		{"multibyte", strings.Repeat("語", 250), strings.Repeat("語", 200) + "..."},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, knowledge.Snippet(tc.content), tc.want)
		})
	}
}

func TestLoadSeed(t *testing.T) {
	docs, err := knowledge.LoadSeed(strings.NewReader(`documents:
  - title: T
    content: C
    category: science
    tags: [x, y]
`))
	gt.NoError(t, err)
	gt.A(t, docs).Length(1)
	gt.Equal(t, docs[0].Category, model.CategoryScience)
	gt.Equal(t, docs[0].Tags, []string{"x", "y"})

	docs, err = knowledge.LoadSeed(strings.NewReader(`documents:
  - title: a
    content: alpha
    category: science
  -
  - ~
`))
	gt.NoError(t, err)
	gt.A(t, docs).Length(1)
	gt.Equal(t, docs[0].Title, "a")

	_, err = knowledge.LoadSeed(strings.NewReader("documents: {"))
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))
}
