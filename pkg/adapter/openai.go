package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder embeds text with the OpenAI embeddings API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

type OpenAIOption func(*OpenAIEmbedder)

// WithOpenAIModel overrides the embedding model
func WithOpenAIModel(model string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.model = openai.EmbeddingModel(model)
	}
}

// WithOpenAIDimensions sets the requested output dimension
func WithOpenAIDimensions(dimensions int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.dimensions = dimensions
	}
}

// NewOpenAIEmbedder creates an embedder. baseURL may be empty for the public API.
func NewOpenAIEmbedder(apiKey, baseURL string, opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "openai api key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	e := &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(config),
		model:      openai.SmallEmbedding3,
		dimensions: DefaultDimensions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Embed implements Embedder
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateEmbedInput(text); err != nil {
		return nil, err
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyEmbedError(err, apiErr.HTTPStatusCode, "openai")
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, classifyEmbedError(err, reqErr.HTTPStatusCode, "openai")
		}
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, err.Error(), goerr.V("provider", "openai"))
	}

	if len(resp.Data) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, "no embedding returned", goerr.V("provider", "openai"))
	}
	return validateEmbedOutput(resp.Data[0].Embedding, e.dimensions, "openai")
}

// Dimensions implements Embedder
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}
