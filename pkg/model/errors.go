package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy shared by every layer. Callers match with errors.Is; the tool
// boundary maps each sentinel to a plain-language hint.
var (
	ErrConfigurationMissing = goerr.New("configuration missing")
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable")
	ErrEmbeddingProvider    = goerr.New("embedding provider error")
	ErrVectorStore          = goerr.New("vector store error")
	ErrIndexNotFound        = goerr.New("index not found")
	ErrIndexAlreadyExists   = goerr.New("index already exists")
	ErrDimensionMismatch    = goerr.New("dimension mismatch")
	ErrContentResolutionGap = goerr.New("content resolution gap")
	ErrInvalidArgument      = goerr.New("invalid argument")
	ErrNotFound             = goerr.New("not found")
	ErrVisibilityTimeout    = goerr.New("index visibility timeout")
	ErrPolicyDenied         = goerr.New("denied by policy")
)
