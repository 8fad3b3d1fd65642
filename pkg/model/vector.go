package model

import (
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// Metric is the distance function an index ranks by
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dot_product"
)

// Validate checks if the metric is supported
func (m Metric) Validate() error {
	switch m {
	case MetricCosine, MetricEuclidean, MetricDotProduct:
		return nil
	default:
		return goerr.Wrap(ErrInvalidArgument, "unsupported metric", goerr.V("metric", m))
	}
}

// NewRecordID generates a new unique vector record ID
func NewRecordID() string {
	return uuid.New().String()
}

// Payload is the opaque metadata stored next to a vector
type Payload map[string]any

// IndexInfo describes a named vector index
type IndexInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
	Count     int    `json:"count"`
}

// VectorRecord is the unit stored in a vector index
type VectorRecord struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// QueryResult is one nearest neighbor returned by a vector query. Score is a
// similarity: higher means closer.
type QueryResult struct {
	ID      string
	Score   float64
	Payload Payload
}

// String returns a string value of the payload, or empty if absent or not a string
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns an integer value of the payload. JSON round trips turn numbers into
// float64, so every numeric type is accepted.
func (p Payload) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Strings returns a string list value of the payload
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
