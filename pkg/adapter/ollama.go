package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/ollama/ollama/api"
)

// OllamaEmbedder embeds text with a locally served Ollama model. The model
// decides the dimension, so it must be configured to match the index.
type OllamaEmbedder struct {
	client     *api.Client
	model      string
	dimensions int
}

// NewOllamaEmbedder creates an embedder against the Ollama server at host
func NewOllamaEmbedder(host, modelName string, dimensions int) (*OllamaEmbedder, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	if modelName == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "ollama model is required")
	}
	if dimensions <= 0 {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "ollama embedding dimension is required")
	}

	uri, err := url.Parse(host)
	if err != nil {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "invalid ollama host", goerr.V("host", host))
	}

	return &OllamaEmbedder{
		client:     api.NewClient(uri, http.DefaultClient),
		model:      modelName,
		dimensions: dimensions,
	}, nil
}

// Embed implements Embedder
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateEmbedInput(text); err != nil {
		return nil, err
	}

	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return nil, classifyEmbedError(err, statusErr.StatusCode, "ollama")
		}
		// Connection refused and friends: the local server is not reachable
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, err.Error(), goerr.V("provider", "ollama"))
	}

	if len(resp.Embeddings) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, "no embedding returned", goerr.V("provider", "ollama"))
	}
	return validateEmbedOutput(resp.Embeddings[0], e.dimensions, "ollama")
}

// Dimensions implements Embedder
func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}
