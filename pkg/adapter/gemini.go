package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"google.golang.org/genai"
)

// Gemini is the LLM used by the demo chat. Content generation is an external
// collaborator: prompt and context in, text (or function calls) out.
type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensions      int
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimensions sets the output dimensionality requested from the
// embedding model
func WithEmbeddingDimensions(dimensions int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimensions = dimensions
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	if projectID == "" || location == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "gemini project and location are required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		dimensions:      DefaultDimensions,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content")
	}
	return resp, nil
}

// Embed implements Embedder
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateEmbedInput(text); err != nil {
		return nil, err
	}

	dim := int32(g.dimensions)
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyEmbedError(err, apiErr.Code, "gemini")
		}
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, err.Error(), goerr.V("provider", "gemini"))
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, goerr.Wrap(model.ErrEmbeddingProvider, "no embedding returned", goerr.V("provider", "gemini"))
	}

	return validateEmbedOutput(resp.Embeddings[0].Values, g.dimensions, "gemini")
}

// Dimensions implements Embedder
func (g *GeminiClient) Dimensions() int {
	return g.dimensions
}
