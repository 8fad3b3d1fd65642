package knowledge

import (
	"context"
	"time"

	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

const (
	DefaultIndex = "knowledge"
	DefaultTopK  = 5

	// SnippetLength is the number of runes kept by SearchSnippets
	SnippetLength = 200
	snippetSuffix = "..."
)

// Admission decides whether a document may be indexed
type Admission interface {
	Check(ctx context.Context, doc *model.Document) error
}

// UseCase indexes knowledge documents and retrieves them by similarity
type UseCase struct {
	embedder  adapter.Embedder
	index     vectorindex.Service
	admission Admission

	defaultIndex string
	defaultTopK  int
	wait         *vectorindex.WaitOptions
	now          func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithAdmission checks every document before it is embedded
func WithAdmission(admission Admission) Option {
	return func(uc *UseCase) {
		uc.admission = admission
	}
}

// WithDefaultIndex sets the index used when a call names none
func WithDefaultIndex(name string) Option {
	return func(uc *UseCase) {
		uc.defaultIndex = name
	}
}

// WithDefaultTopK sets the result count used when a search names none
func WithDefaultTopK(topK int) Option {
	return func(uc *UseCase) {
		uc.defaultTopK = topK
	}
}

// WithWaitVisible makes AddDocument wait until the record can be fetched
func WithWaitVisible(opts vectorindex.WaitOptions) Option {
	return func(uc *UseCase) {
		uc.wait = &opts
	}
}

// WithClock replaces the time source of document timestamps
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a knowledge UseCase
func New(embedder adapter.Embedder, index vectorindex.Service, opts ...Option) *UseCase {
	uc := &UseCase{
		embedder:     embedder,
		index:        index,
		defaultIndex: DefaultIndex,
		defaultTopK:  DefaultTopK,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

func (u *UseCase) indexName(name string) string {
	if name == "" {
		return u.defaultIndex
	}
	return name
}

// EnsureIndex creates the knowledge index with the embedder dimension and
// cosine metric unless it already exists
func (u *UseCase) EnsureIndex(ctx context.Context, name string) (*model.IndexInfo, error) {
	return vectorindex.EnsureIndex(ctx, u.index, u.indexName(name), u.embedder.Dimensions(), model.MetricCosine)
}

// DescribeIndex returns definition and size of an index
func (u *UseCase) DescribeIndex(ctx context.Context, name string) (*model.IndexInfo, error) {
	return u.index.DescribeIndex(ctx, u.indexName(name))
}

// ListIndexes returns the names of all indexes
func (u *UseCase) ListIndexes(ctx context.Context) ([]string, error) {
	return u.index.ListIndexes(ctx)
}
