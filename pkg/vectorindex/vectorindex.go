package vectorindex

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

// Service is the client contract toward a vector index backend. Payloads are
// opaque to the backend: there is no server-side filtering on them.
type Service interface {
	// CreateIndex creates a named index. It returns model.ErrIndexAlreadyExists
	// without touching the existing index when the name is taken.
	CreateIndex(ctx context.Context, name string, dimension int, metric model.Metric) error

	// DescribeIndex returns the definition and record count of an index
	DescribeIndex(ctx context.Context, name string) (*model.IndexInfo, error)

	// ListIndexes returns index names in lexical order
	ListIndexes(ctx context.Context) ([]string, error)

	// Upsert stores vectors with positionally aligned payloads and returns the
	// assigned ids in input order. A call is applied entirely or not at all.
	Upsert(ctx context.Context, name string, vectors [][]float32, payloads []model.Payload) ([]string, error)

	// Query returns up to topK records ordered by descending score
	Query(ctx context.Context, name string, vector []float32, topK int) ([]*model.QueryResult, error)

	// Fetch returns the records with the given ids. Unknown ids are omitted.
	Fetch(ctx context.Context, name string, ids []string) ([]*model.VectorRecord, error)
}

func validateIndexName(name string) error {
	if strings.TrimSpace(name) == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "index name is empty")
	}
	if strings.ContainsAny(name, "/") || strings.HasPrefix(name, "_") {
		return goerr.Wrap(model.ErrInvalidArgument, "invalid index name", goerr.V("name", name))
	}
	return nil
}

func validateCreate(name string, dimension int, metric model.Metric) error {
	if err := validateIndexName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "dimension must be positive", goerr.V("dimension", dimension))
	}
	return metric.Validate()
}

func validateUpsert(name string, dimension int, vectors [][]float32, payloads []model.Payload) error {
	if len(vectors) == 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "no vectors to upsert", goerr.V("index", name))
	}
	if len(vectors) != len(payloads) {
		return goerr.Wrap(model.ErrInvalidArgument, "vectors and payloads must be aligned",
			goerr.V("index", name),
			goerr.V("vectors", len(vectors)),
			goerr.V("payloads", len(payloads)))
	}
	for i, vec := range vectors {
		if len(vec) != dimension {
			return goerr.Wrap(model.ErrDimensionMismatch, "vector dimension does not match index",
				goerr.V("index", name),
				goerr.V("position", i),
				goerr.V("expected", dimension),
				goerr.V("actual", len(vec)))
		}
	}
	return nil
}

func validateQuery(name string, dimension int, vector []float32, topK int) error {
	if topK <= 0 {
		return goerr.Wrap(model.ErrInvalidArgument, "topK must be positive", goerr.V("top_k", topK))
	}
	if len(vector) != dimension {
		return goerr.Wrap(model.ErrDimensionMismatch, "query vector dimension does not match index",
			goerr.V("index", name),
			goerr.V("expected", dimension),
			goerr.V("actual", len(vector)))
	}
	return nil
}

// scoreFromDistance turns a backend distance into a similarity where higher is
// better
func scoreFromDistance(metric model.Metric, distance float64) float64 {
	switch metric {
	case model.MetricCosine:
		return 1 - distance
	case model.MetricEuclidean:
		return 1 / (1 + distance)
	default:
		// dot product is already a similarity
		return distance
	}
}

// EnsureIndex creates the index unless it exists. An existing index must have
// the requested dimension and metric; anything else is a fatal mismatch.
func EnsureIndex(ctx context.Context, svc Service, name string, dimension int, metric model.Metric) (*model.IndexInfo, error) {
	err := svc.CreateIndex(ctx, name, dimension, metric)
	switch {
	case err == nil:
		logging.From(ctx).Info("vector index created", "index", name, "dimension", dimension, "metric", metric)
	case errors.Is(err, model.ErrIndexAlreadyExists):
		logging.From(ctx).Debug("vector index already exists", "index", name)
	default:
		return nil, err
	}

	info, err := svc.DescribeIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.Dimension != dimension || info.Metric != metric {
		return nil, goerr.Wrap(model.ErrDimensionMismatch, "existing index has a different definition",
			goerr.V("index", name),
			goerr.V("dimension", info.Dimension),
			goerr.V("metric", info.Metric),
			goerr.V("requested_dimension", dimension),
			goerr.V("requested_metric", metric))
	}
	return info, nil
}

// WaitOptions bounds WaitVisible
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultWaitOptions is used when WaitVisible gets zero values
var DefaultWaitOptions = WaitOptions{
	Timeout:  5 * time.Second,
	Interval: 100 * time.Millisecond,
}

// WaitVisible polls until every id can be fetched from the index. It returns
// model.ErrVisibilityTimeout when the deadline passes first; callers may treat
// that as a warning since the write itself has been accepted.
func WaitVisible(ctx context.Context, svc Service, name string, ids []string, opts WaitOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWaitOptions.Timeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultWaitOptions.Interval
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		records, err := svc.Fetch(ctx, name, ids)
		if err != nil {
			return err
		}
		if len(records) == len(ids) {
			return nil
		}

		select {
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "canceled while waiting for index visibility", goerr.V("index", name))
		case <-deadline.C:
			return goerr.Wrap(model.ErrVisibilityTimeout, "records not visible before timeout",
				goerr.V("index", name),
				goerr.V("visible", len(records)),
				goerr.V("expected", len(ids)),
				goerr.V("timeout", opts.Timeout))
		case <-ticker.C:
		}
	}
}
