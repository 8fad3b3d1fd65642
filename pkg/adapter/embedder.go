package adapter

import (
	"context"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
)

// Embedder converts text into a fixed-dimension vector. Implementations never
// retry; callers decide whether an ErrEmbeddingProvider is worth another try.
type Embedder interface {
	// Embed returns the embedding of a non-empty text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of every vector Embed produces
	Dimensions() int
}

// DefaultDimensions matches text-embedding-3-small
const DefaultDimensions = 1536

func validateEmbedInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "text to embed is empty")
	}
	return nil
}

func validateEmbedOutput(vec []float32, dimensions int, provider string) ([]float32, error) {
	if len(vec) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, "no embedding returned", goerr.V("provider", provider))
	}
	if dimensions > 0 && len(vec) != dimensions {
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, "unexpected embedding dimension",
			goerr.V("provider", provider),
			goerr.V("expected", dimensions),
			goerr.V("actual", len(vec)))
	}
	return vec, nil
}

// classifyEmbedError maps a provider failure onto the error taxonomy. Auth
// failures mean the gateway is unusable until reconfigured; everything else is a
// provider error the caller may retry.
func classifyEmbedError(err error, statusCode int, provider string) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return goerr.Wrap(model.ErrEmbeddingUnavailable, err.Error(),
			goerr.V("provider", provider), goerr.V("status", statusCode))
	default:
		return goerr.Wrap(model.ErrEmbeddingProvider, err.Error(),
			goerr.V("provider", provider), goerr.V("status", statusCode))
	}
}
