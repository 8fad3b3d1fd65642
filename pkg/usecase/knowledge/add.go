package knowledge

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

// AddDocumentInput is a document to be indexed
type AddDocumentInput struct {
	Title    string
	Content  string
	Category model.Category
	Tags     []string
	// Index defaults to the UseCase default index
	Index string
}

// AddDocument validates, embeds and upserts one document. The returned
// document carries the ID assigned by the vector index.
func (u *UseCase) AddDocument(ctx context.Context, input AddDocumentInput) (*model.Document, error) {
	doc := &model.Document{
		Title:     input.Title,
		Content:   input.Content,
		Category:  input.Category,
		Tags:      model.NormalizeTags(input.Tags),
		Timestamp: u.now().UTC(),
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	if u.admission != nil {
		if err := u.admission.Check(ctx, doc); err != nil {
			return nil, err
		}
	}

	index := u.indexName(input.Index)
	vec, err := u.embedder.Embed(ctx, doc.EmbeddingText())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed document", goerr.V("title", doc.Title))
	}

	ids, err := u.index.Upsert(ctx, index, [][]float32{vec}, []model.Payload{doc.Payload()})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to upsert document", goerr.V("index", index), goerr.V("title", doc.Title))
	}
	doc.ID = model.DocumentID(ids[0])

	if u.wait != nil {
		if err := vectorindex.WaitVisible(ctx, u.index, index, ids, *u.wait); err != nil {
			if !errors.Is(err, model.ErrVisibilityTimeout) {
				return nil, err
			}
			// the write was accepted; searches will see it eventually
			logging.From(ctx).Warn("document not yet visible", "index", index, "id", doc.ID, logging.ErrAttr(err))
		}
	}

	logging.From(ctx).Debug("document added", "index", index, "id", doc.ID, "category", doc.Category)
	return doc, nil
}

// SeedResult reports the outcome of one seed document
type SeedResult struct {
	Title    string
	Document *model.Document
	Err      error
}

// Seed adds documents one by one. A failing document is reported in its
// result and does not stop the rest.
func (u *UseCase) Seed(ctx context.Context, index string, docs []*model.Document) []*SeedResult {
	results := make([]*SeedResult, 0, len(docs))
	for i, d := range docs {
		if d == nil {
			err := goerr.Wrap(model.ErrInvalidArgument, "seed document is empty", goerr.V("position", i+1))
			logging.From(ctx).Warn("failed to seed document", logging.ErrAttr(err))
			results = append(results, &SeedResult{Err: err})
			continue
		}
		doc, err := u.AddDocument(ctx, AddDocumentInput{
			Title:    d.Title,
			Content:  d.Content,
			Category: d.Category,
			Tags:     d.Tags,
			Index:    index,
		})
		if err != nil {
			logging.From(ctx).Warn("failed to seed document", "title", d.Title, logging.ErrAttr(err))
		}
		results = append(results, &SeedResult{Title: d.Title, Document: doc, Err: err})
	}
	return results
}
