package vectorindex_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = r.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

func newChromemIndex(t *testing.T, name string, dim int) *vectorindex.Chromem {
	t.Helper()
	svc, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	gt.NoError(t, svc.CreateIndex(context.Background(), name, dim, model.MetricCosine))
	return svc
}

func TestChromemCreateAndDescribe(t *testing.T) {
	ctx := context.Background()
	svc := newChromemIndex(t, "knowledge", 1536)

	vectors := randomVectors(1, 1536, 1)
	ids, err := svc.Upsert(ctx, "knowledge", vectors, []model.Payload{{"title": "first"}})
	gt.NoError(t, err)
	gt.A(t, ids).Length(1)

	info, err := svc.DescribeIndex(ctx, "knowledge")
	gt.NoError(t, err)
	gt.Equal(t, info.Count, 1)
	gt.Equal(t, info.Dimension, 1536)
	gt.Equal(t, info.Metric, model.MetricCosine)

	t.Run("create twice fails without corrupting index", func(t *testing.T) {
		err := svc.CreateIndex(ctx, "knowledge", 8, model.MetricCosine)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrIndexAlreadyExists))

		info, err := svc.DescribeIndex(ctx, "knowledge")
		gt.NoError(t, err)
		gt.Equal(t, info.Count, 1)
		gt.Equal(t, info.Dimension, 1536)
	})

	t.Run("unknown index", func(t *testing.T) {
		_, err := svc.DescribeIndex(ctx, "missing")
		gt.True(t, errors.Is(err, model.ErrIndexNotFound))
	})

	t.Run("list excludes definitions", func(t *testing.T) {
		gt.NoError(t, svc.CreateIndex(ctx, "messages", 4, model.MetricCosine))
		names, err := svc.ListIndexes(ctx)
		gt.NoError(t, err)
		gt.Equal(t, names, []string{"knowledge", "messages"})
	})
}

func TestChromemCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, err := vectorindex.NewChromem()
	gt.NoError(t, err)

	testCases := []struct {
		name      string
		index     string
		dimension int
		metric    model.Metric
		target    error
	}{
		{"empty name", "", 4, model.MetricCosine, model.ErrInvalidArgument},
		{"reserved name", "_indexes", 4, model.MetricCosine, model.ErrInvalidArgument},
		{"zero dimension", "x", 0, model.MetricCosine, model.ErrInvalidArgument},
		{"unknown metric", "x", 4, model.Metric("manhattan"), model.ErrInvalidArgument},
		{"unsupported metric", "x", 4, model.MetricEuclidean, model.ErrVectorStore},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.CreateIndex(ctx, tc.index, tc.dimension, tc.metric)
			gt.Error(t, err)
			gt.True(t, errors.Is(err, tc.target))
		})
	}
}

func TestChromemUpsertIDsAligned(t *testing.T) {
	ctx := context.Background()
	svc := newChromemIndex(t, "idx", 16)

	const n = 12
	vectors := randomVectors(n, 16, 2)
	payloads := make([]model.Payload, n)
	for i := range payloads {
		payloads[i] = model.Payload{"pos": i}
	}

	ids, err := svc.Upsert(ctx, "idx", vectors, payloads)
	gt.NoError(t, err)
	gt.A(t, ids).Length(n)

	records, err := svc.Fetch(ctx, "idx", ids)
	gt.NoError(t, err)
	gt.A(t, records).Length(n)
	for i, rec := range records {
		gt.Equal(t, rec.ID, ids[i])
		pos, ok := rec.Payload.Int("pos")
		gt.True(t, ok)
		gt.Equal(t, pos, int64(i))
	}

	t.Run("unknown ids are omitted", func(t *testing.T) {
		records, err := svc.Fetch(ctx, "idx", []string{ids[0], "no-such-id"})
		gt.NoError(t, err)
		gt.A(t, records).Length(1)
	})
}

func TestChromemUpsertValidation(t *testing.T) {
	ctx := context.Background()
	svc := newChromemIndex(t, "idx", 4)

	t.Run("misaligned payloads", func(t *testing.T) {
		_, err := svc.Upsert(ctx, "idx", randomVectors(2, 4, 3), []model.Payload{{}})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := svc.Upsert(ctx, "idx", nil, nil)
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})

	t.Run("dimension mismatch writes nothing", func(t *testing.T) {
		vectors := append(randomVectors(1, 4, 4), randomVectors(1, 3, 5)...)
		_, err := svc.Upsert(ctx, "idx", vectors, []model.Payload{{}, {}})
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

		info, err := svc.DescribeIndex(ctx, "idx")
		gt.NoError(t, err)
		gt.Equal(t, info.Count, 0)
	})

	t.Run("unknown index", func(t *testing.T) {
		_, err := svc.Upsert(ctx, "missing", randomVectors(1, 4, 6), []model.Payload{{}})
		gt.True(t, errors.Is(err, model.ErrIndexNotFound))
	})
}

func TestChromemQuery(t *testing.T) {
	ctx := context.Background()
	svc := newChromemIndex(t, "idx", 32)

	vectors := randomVectors(20, 32, 7)
	payloads := make([]model.Payload, len(vectors))
	for i := range payloads {
		payloads[i] = model.Payload{"pos": i}
	}
	ids, err := svc.Upsert(ctx, "idx", vectors, payloads)
	gt.NoError(t, err)

	t.Run("at most topK ordered by score", func(t *testing.T) {
		for _, k := range []int{1, 5, 20, 50} {
			results, err := svc.Query(ctx, "idx", vectors[3], k)
			gt.NoError(t, err)
			gt.True(t, len(results) <= k)
			gt.True(t, len(results) <= len(vectors))
			for i := 1; i < len(results); i++ {
				gt.True(t, results[i-1].Score >= results[i].Score)
			}
		}
	})

	t.Run("exact vector ranks first", func(t *testing.T) {
		results, err := svc.Query(ctx, "idx", vectors[3], 3)
		gt.NoError(t, err)
		gt.Equal(t, results[0].ID, ids[3])
		pos, _ := results[0].Payload.Int("pos")
		gt.Equal(t, pos, int64(3))
		gt.True(t, results[0].Score > 0.99)
	})

	t.Run("non-positive topK", func(t *testing.T) {
		for _, k := range []int{0, -1} {
			_, err := svc.Query(ctx, "idx", vectors[0], k)
			gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		}
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		_, err := svc.Query(ctx, "idx", make([]float32, 8), 1)
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
	})

	t.Run("empty index", func(t *testing.T) {
		gt.NoError(t, svc.CreateIndex(ctx, "empty", 32, model.MetricCosine))
		results, err := svc.Query(ctx, "empty", vectors[0], 5)
		gt.NoError(t, err)
		gt.A(t, results).Length(0)
	})
}

func TestChromemExportImport(t *testing.T) {
	ctx := context.Background()
	src := newChromemIndex(t, "idx", 8)
	ids, err := src.Upsert(ctx, "idx", randomVectors(3, 8, 8), []model.Payload{{"a": "1"}, {"a": "2"}, {"a": "3"}})
	gt.NoError(t, err)

	var buf bytes.Buffer
	gt.NoError(t, src.Export(&buf))

	dst, err := vectorindex.NewChromem()
	gt.NoError(t, err)
	gt.NoError(t, dst.Import(bytes.NewReader(buf.Bytes())))

	info, err := dst.DescribeIndex(ctx, "idx")
	gt.NoError(t, err)
	gt.Equal(t, info.Count, 3)
	gt.Equal(t, info.Dimension, 8)

	records, err := dst.Fetch(ctx, "idx", ids)
	gt.NoError(t, err)
	gt.A(t, records).Length(3)
	gt.Equal(t, records[1].Payload.String("a"), "2")
}
