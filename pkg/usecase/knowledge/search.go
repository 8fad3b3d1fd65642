package knowledge

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

// SearchInput is a similarity search request
type SearchInput struct {
	Query string
	// Index defaults to the UseCase default index
	Index string
	// TopK of zero means the default; negative values are rejected
	TopK int
}

// SearchResult is one ranked hit in display form
type SearchResult struct {
	Position  int            `json:"position"`
	Score     float64        `json:"score"`
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Category  model.Category `json:"category"`
	Tags      []string       `json:"tags"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  model.Payload  `json:"metadata"`
}

// Search embeds the query and returns the nearest documents in the order the
// vector index ranked them
func (u *UseCase) Search(ctx context.Context, input SearchInput) ([]*SearchResult, error) {
	if input.Query == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "query is empty")
	}
	topK := input.TopK
	if topK == 0 {
		topK = u.defaultTopK
	}
	if topK < 0 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "topK must be positive", goerr.V("top_k", topK))
	}

	index := u.indexName(input.Index)
	vec, err := u.embedder.Embed(ctx, input.Query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	hits, err := u.index.Query(ctx, index, vec, topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query index", goerr.V("index", index))
	}

	results := make([]*SearchResult, len(hits))
	for i, hit := range hits {
		doc := model.DocumentFromPayload(hit.ID, hit.Payload)
		results[i] = &SearchResult{
			Position:  i + 1,
			Score:     hit.Score,
			ID:        hit.ID,
			Title:     doc.Title,
			Content:   doc.Content,
			Category:  doc.Category,
			Tags:      doc.Tags,
			Timestamp: doc.Timestamp,
			Metadata:  hit.Payload,
		}
	}

	logging.From(ctx).Debug("knowledge searched", "index", index, "top_k", topK, "hits", len(results))
	return results, nil
}

// SearchSnippets is Search with content shortened to SnippetLength runes.
// No predicate filtering is applied: payloads are opaque to the index.
func (u *UseCase) SearchSnippets(ctx context.Context, input SearchInput) ([]*SearchResult, error) {
	results, err := u.Search(ctx, input)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		r.Content = Snippet(r.Content)

		// full content stays out of the snippet view
		meta := make(model.Payload, len(r.Metadata))
		for k, v := range r.Metadata {
			if k != model.PayloadContent {
				meta[k] = v
			}
		}
		r.Metadata = meta
	}
	return results, nil
}

// Snippet truncates content longer than SnippetLength runes and marks the cut
// with an ellipsis. Shorter content is returned unchanged.
func Snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= SnippetLength {
		return content
	}
	return string(runes[:SnippetLength]) + snippetSuffix
}
