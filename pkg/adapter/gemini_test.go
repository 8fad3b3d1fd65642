package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1",
		adapter.WithEmbeddingDimensions(768))
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerateContent(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		genai.NewContentFromText("Hello, what is the capital of France?", genai.RoleUser),
	}

	resp, err := client.GenerateContent(ctx, contents, nil)
	gt.NoError(t, err)
	gt.A(t, resp.Candidates).Longer(0)
	t.Log("response:", resp.Text())
}

func TestGeminiEmbed(t *testing.T) {
	client := newTestGemini(t)

	vec, err := client.Embed(context.Background(), "vector search with firestore")
	gt.NoError(t, err)
	gt.A(t, vec).Length(768)
	gt.Equal(t, client.Dimensions(), 768)
}
