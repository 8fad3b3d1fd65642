package vectorindex_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

func setupFirestore(t *testing.T) *vectorindex.Firestore {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	svc, err := vectorindex.NewFirestore(context.Background(), projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestFirestoreIndex(t *testing.T) {
	svc := setupFirestore(t)
	ctx := context.Background()

	name := "test-" + model.NewRecordID()
	gt.NoError(t, svc.CreateIndex(ctx, name, 8, model.MetricCosine))

	err := svc.CreateIndex(ctx, name, 8, model.MetricCosine)
	gt.True(t, errors.Is(err, model.ErrIndexAlreadyExists))

	vectors := randomVectors(3, 8, 11)
	ids, err := svc.Upsert(ctx, name, vectors, []model.Payload{{"n": 0}, {"n": 1}, {"n": 2}})
	gt.NoError(t, err)
	gt.A(t, ids).Length(3)

	gt.NoError(t, vectorindex.WaitVisible(ctx, svc, name, ids, vectorindex.DefaultWaitOptions))

	info, err := svc.DescribeIndex(ctx, name)
	gt.NoError(t, err)
	gt.Equal(t, info.Count, 3)
	gt.Equal(t, info.Dimension, 8)

	_, err = svc.Upsert(ctx, name, randomVectors(1, 4, 12), []model.Payload{{}})
	gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

	results, err := svc.Query(ctx, name, vectors[1], 2)
	gt.NoError(t, err)
	gt.True(t, len(results) <= 2)
	for i := 1; i < len(results); i++ {
		gt.True(t, results[i-1].Score >= results[i].Score)
	}
}
