package tool

import (
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
)

// Result keys of the tool-facing contract
const (
	KeySuccess = "success"
	KeyResult  = "result"
	KeyError   = "error"
	KeyHint    = "hint"
)

// Success wraps a result value. The value is normalized through JSON so that
// every consumer sees plain maps, slices and numbers.
func Success(result any) map[string]any {
	return map[string]any{
		KeySuccess: true,
		KeyResult:  normalize(result),
	}
}

// Failure converts an error into a failure result with a plain-language hint
func Failure(err error) map[string]any {
	out := map[string]any{
		KeySuccess: false,
		KeyError:   err.Error(),
	}
	if hint := Hint(err); hint != "" {
		out[KeyHint] = hint
	}
	return out
}

// IsSuccess reports whether a result map is a success
func IsSuccess(result map[string]any) bool {
	ok, _ := result[KeySuccess].(bool)
	return ok
}

var hints = []struct {
	target error
	hint   string
}{
	{model.ErrConfigurationMissing, "Required configuration is missing. Set the credential or endpoint and restart."},
	{model.ErrEmbeddingUnavailable, "The embedding provider rejected the credential. Reconfigure the API key or project."},
	{model.ErrEmbeddingProvider, "The embedding provider failed temporarily. Retry in a moment."},
	{model.ErrIndexNotFound, "The index does not exist. Use list_indexes to see available indexes."},
	{model.ErrIndexAlreadyExists, "The index already exists and can be used as is."},
	{model.ErrDimensionMismatch, "The embedding model does not match the index dimension. Use an index created for this model."},
	{model.ErrPolicyDenied, "The document was rejected by policy. Check the category and tags."},
	{model.ErrInvalidArgument, "Check the arguments and call again."},
	{model.ErrNotFound, "Nothing exists with that identifier."},
	{model.ErrVisibilityTimeout, "The write was accepted but is not searchable yet. Try again shortly."},
	{model.ErrVectorStore, "The vector store is unavailable. Retry later."},
}

// Hint returns the suggested next action for an error, or empty
func Hint(err error) string {
	for _, h := range hints {
		if errors.Is(err, h.target) {
			return h.hint
		}
	}
	return ""
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// DecodeArgs decodes function call arguments into dst
func DecodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return goerr.Wrap(model.ErrInvalidArgument, "arguments are not serializable", goerr.V("cause", err.Error()))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return goerr.Wrap(model.ErrInvalidArgument, "arguments do not match the schema", goerr.V("cause", err.Error()))
	}
	return nil
}
