package tool

import (
	"context"

	"google.golang.org/genai"
)

// Tool represents a set of functions the LLM can call
type Tool interface {
	// Spec returns the tool specification for Gemini function calling
	Spec() *genai.Tool

	// Execute runs one function of the tool. Returned errors are turned into
	// failure results by the Registry; they never reach the agent turn.
	Execute(ctx context.Context, fc genai.FunctionCall) (map[string]any, error)

	// Prompt returns additional information to be added to the system prompt
	// Returns empty string if no additional prompt is needed
	Prompt(ctx context.Context) string
}
