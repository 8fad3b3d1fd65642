package recall

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/repository"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

// Scope limits which prior messages semantic recall may return
type Scope string

const (
	// ScopeResource searches every thread of the resource
	ScopeResource Scope = "resource"
)

// Config tunes the recall window
type Config struct {
	// Index is the vector index holding message pointers
	Index string
	// TopK is the number of similar messages anchoring the window. Zero
	// disables semantic recall and leaves only the recency window.
	TopK int
	// MessageRange is the number of neighbors taken on each side of a hit
	MessageRange int
	// LastMessages is the size of the recency window of the current thread
	LastMessages int
	Scope        Scope
	// Overfetch multiplies TopK for the vector query so that the client-side
	// resource filter still has TopK candidates left
	Overfetch int
}

// Upper bounds of Config sizes
const (
	MaxTopK         = 100
	MaxMessageRange = 100
	MaxOverfetch    = 20
)

// DefaultConfig returns the default recall settings
func DefaultConfig() Config {
	return Config{
		Index:        "messages",
		TopK:         3,
		MessageRange: 2,
		LastMessages: 10,
		Scope:        ScopeResource,
		Overfetch:    4,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Index == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "recall index name is empty")
	}
	if c.TopK < 0 || c.MessageRange < 0 || c.LastMessages < 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "recall sizes must not be negative",
			goerr.V("top_k", c.TopK),
			goerr.V("message_range", c.MessageRange),
			goerr.V("last_messages", c.LastMessages))
	}
	if c.TopK > MaxTopK || c.MessageRange > MaxMessageRange {
		return goerr.Wrap(model.ErrInvalidArgument, "recall sizes exceed the limit",
			goerr.V("top_k", c.TopK),
			goerr.V("max_top_k", MaxTopK),
			goerr.V("message_range", c.MessageRange),
			goerr.V("max_message_range", MaxMessageRange))
	}
	if c.Overfetch < 1 || c.Overfetch > MaxOverfetch {
		return goerr.Wrap(model.ErrInvalidArgument, "overfetch out of range",
			goerr.V("overfetch", c.Overfetch),
			goerr.V("max_overfetch", MaxOverfetch))
	}
	if c.Scope != ScopeResource {
		return goerr.Wrap(model.ErrInvalidArgument, "unsupported recall scope", goerr.V("scope", c.Scope))
	}
	return nil
}

// UseCase ingests conversation messages and builds recall windows
type UseCase struct {
	repo     repository.Repository
	embedder adapter.Embedder
	index    vectorindex.Service
	cfg      Config
	wait     *vectorindex.WaitOptions
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithConfig replaces the default recall settings
func WithConfig(cfg Config) Option {
	return func(uc *UseCase) {
		uc.cfg = cfg
	}
}

// WithWaitVisible makes Ingest wait until the pointer can be fetched
func WithWaitVisible(opts vectorindex.WaitOptions) Option {
	return func(uc *UseCase) {
		uc.wait = &opts
	}
}

// New creates a recall UseCase
func New(repo repository.Repository, embedder adapter.Embedder, index vectorindex.Service, opts ...Option) (*UseCase, error) {
	uc := &UseCase{
		repo:     repo,
		embedder: embedder,
		index:    index,
		cfg:      DefaultConfig(),
	}

	for _, opt := range opts {
		opt(uc)
	}

	if err := uc.cfg.Validate(); err != nil {
		return nil, err
	}
	return uc, nil
}

// Config returns the active settings
func (u *UseCase) Config() Config {
	return u.cfg
}

// EnsureIndex creates the message pointer index unless it exists
func (u *UseCase) EnsureIndex(ctx context.Context) (*model.IndexInfo, error) {
	return vectorindex.EnsureIndex(ctx, u.index, u.cfg.Index, u.embedder.Dimensions(), model.MetricCosine)
}
