package vectorindex

import (
	"context"
	"errors"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreIndexCollection  = "vector_indexes"
	firestoreRecordCollection = "records"
	firestoreEmbeddingField   = "Embedding"
	firestoreDistanceField    = "VectorDistance"

	// Firestore caps a transaction at 500 writes
	firestoreMaxBatch = 500
)

// Firestore is a Service backed by Firestore vector search. A vector index on
// the records collection group must be provisioned for FindNearest to work, e.g.
//
//	gcloud firestore indexes composite create --collection-group=records \
//	  --query-scope=COLLECTION --field-config=field-path=Embedding,vector-config='{"dimension":"1536","flat":"{}"}'
type Firestore struct {
	client *firestore.Client
}

var _ Service = (*Firestore)(nil)

type firestoreIndexDef struct {
	Name      string    `firestore:"Name"`
	Dimension int       `firestore:"Dimension"`
	Metric    string    `firestore:"Metric"`
	CreatedAt time.Time `firestore:"CreatedAt"`
}

type firestoreRecord struct {
	Embedding firestore.Vector32 `firestore:"Embedding"`
	Payload   map[string]any     `firestore:"Payload"`
	CreatedAt time.Time          `firestore:"CreatedAt"`
}

// NewFirestore creates a Firestore backed vector index service
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "firestore project ID is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

// Close releases the Firestore client
func (x *Firestore) Close() error {
	return x.client.Close()
}

func (x *Firestore) indexRef(name string) *firestore.DocumentRef {
	return x.client.Collection(firestoreIndexCollection).Doc(name)
}

func (x *Firestore) records(name string) *firestore.CollectionRef {
	return x.indexRef(name).Collection(firestoreRecordCollection)
}

func (x *Firestore) getDef(ctx context.Context, name string) (*firestoreIndexDef, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}
	snap, err := x.indexRef(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrIndexNotFound, "index not found", goerr.V("index", name))
		}
		return nil, wrapStoreErr(err, "failed to get index definition", name)
	}
	var def firestoreIndexDef
	if err := snap.DataTo(&def); err != nil {
		return nil, wrapStoreErr(err, "failed to decode index definition", name)
	}
	return &def, nil
}

// CreateIndex implements Service
func (x *Firestore) CreateIndex(ctx context.Context, name string, dimension int, metric model.Metric) error {
	if err := validateCreate(name, dimension, metric); err != nil {
		return err
	}

	def := &firestoreIndexDef{
		Name:      name,
		Dimension: dimension,
		Metric:    string(metric),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := x.indexRef(name).Create(ctx, def); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(model.ErrIndexAlreadyExists, "index already exists", goerr.V("index", name))
		}
		return wrapStoreErr(err, "failed to create index", name)
	}
	return nil
}

// DescribeIndex implements Service
func (x *Firestore) DescribeIndex(ctx context.Context, name string) (*model.IndexInfo, error) {
	def, err := x.getDef(ctx, name)
	if err != nil {
		return nil, err
	}

	result, err := x.records(name).NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to count records", name)
	}
	var count int64
	if v, ok := result["count"].(*firestorepb.Value); ok {
		count = v.GetIntegerValue()
	}

	return &model.IndexInfo{
		Name:      def.Name,
		Dimension: def.Dimension,
		Metric:    model.Metric(def.Metric),
		Count:     int(count),
	}, nil
}

// ListIndexes implements Service
func (x *Firestore) ListIndexes(ctx context.Context) ([]string, error) {
	iter := x.client.Collection(firestoreIndexCollection).Documents(ctx)
	defer iter.Stop()

	names := make([]string, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(model.ErrVectorStore, "failed to list indexes", goerr.V("cause", err.Error()))
		}
		names = append(names, snap.Ref.ID)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert implements Service. All records are written in one transaction.
func (x *Firestore) Upsert(ctx context.Context, name string, vectors [][]float32, payloads []model.Payload) ([]string, error) {
	if len(vectors) > firestoreMaxBatch {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "too many vectors in one upsert",
			goerr.V("index", name),
			goerr.V("count", len(vectors)),
			goerr.V("max", firestoreMaxBatch))
	}

	ids := make([]string, len(vectors))
	for i := range ids {
		ids[i] = model.NewRecordID()
	}
	now := time.Now().UTC()

	err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(x.indexRef(name))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrIndexNotFound, "index not found", goerr.V("index", name))
			}
			return err
		}
		var def firestoreIndexDef
		if err := snap.DataTo(&def); err != nil {
			return err
		}
		if err := validateUpsert(name, def.Dimension, vectors, payloads); err != nil {
			return err
		}

		coll := x.records(name)
		for i := range vectors {
			rec := &firestoreRecord{
				Embedding: firestore.Vector32(vectors[i]),
				Payload:   payloads[i],
				CreatedAt: now,
			}
			if err := tx.Set(coll.Doc(ids[i]), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isTaxonomyErr(err) {
			return nil, err
		}
		return nil, wrapStoreErr(err, "failed to upsert records", name)
	}
	return ids, nil
}

// Query implements Service
func (x *Firestore) Query(ctx context.Context, name string, vector []float32, topK int) ([]*model.QueryResult, error) {
	def, err := x.getDef(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(name, def.Dimension, vector, topK); err != nil {
		return nil, err
	}

	metric := model.Metric(def.Metric)
	vq := x.records(name).FindNearest(firestoreEmbeddingField,
		firestore.Vector32(vector),
		topK,
		distanceMeasure(metric),
		&firestore.FindNearestOptions{DistanceResultField: firestoreDistanceField},
	)

	iter := vq.Documents(ctx)
	defer iter.Stop()

	results := make([]*model.QueryResult, 0, topK)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapStoreErr(err, "failed to run vector query", name)
		}

		var rec firestoreRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, wrapStoreErr(err, "failed to decode record", name)
		}
		distance, _ := snap.Data()[firestoreDistanceField].(float64)

		results = append(results, &model.QueryResult{
			ID:      snap.Ref.ID,
			Score:   scoreFromDistance(metric, distance),
			Payload: model.Payload(rec.Payload),
		})
	}

	// Firestore orders by distance; dot product distance grows with similarity
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Fetch implements Service
func (x *Firestore) Fetch(ctx context.Context, name string, ids []string) ([]*model.VectorRecord, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*model.VectorRecord{}, nil
	}

	coll := x.records(name)
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = coll.Doc(id)
	}

	snaps, err := x.client.GetAll(ctx, refs)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to fetch records", name)
	}

	records := make([]*model.VectorRecord, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var rec firestoreRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, wrapStoreErr(err, "failed to decode record", name)
		}
		records = append(records, &model.VectorRecord{
			ID:      snap.Ref.ID,
			Vector:  []float32(rec.Embedding),
			Payload: model.Payload(rec.Payload),
		})
	}
	return records, nil
}

func distanceMeasure(metric model.Metric) firestore.DistanceMeasure {
	switch metric {
	case model.MetricEuclidean:
		return firestore.DistanceMeasureEuclidean
	case model.MetricDotProduct:
		return firestore.DistanceMeasureDotProduct
	default:
		return firestore.DistanceMeasureCosine
	}
}

// isTaxonomyErr reports errors raised by validation inside a transaction,
// which must reach the caller unchanged
func isTaxonomyErr(err error) bool {
	return errors.Is(err, model.ErrIndexNotFound) ||
		errors.Is(err, model.ErrInvalidArgument) ||
		errors.Is(err, model.ErrDimensionMismatch)
}

func wrapStoreErr(err error, msg, index string) error {
	return goerr.Wrap(model.ErrVectorStore, msg,
		goerr.V("index", index),
		goerr.V("cause", err.Error()))
}
