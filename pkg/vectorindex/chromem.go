package vectorindex

import (
	"context"
	"encoding/json"
	"io"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	chromem "github.com/philippgille/chromem-go"
)

const (
	// definitions of every index live in this reserved collection, one
	// document per index keyed by name
	chromemDefCollection = "_indexes"

	chromemMetaDimension = "dimension"
	chromemMetaMetric    = "metric"
	chromemMetaPayload   = "payload"
)

// Chromem is an embedded Service backed by chromem-go. Only cosine is supported
// because chromem ranks by cosine similarity exclusively.
type Chromem struct {
	db *chromem.DB
	// mu serializes create and upsert so existence checks and writes are atomic
	mu sync.Mutex
}

var _ Service = (*Chromem)(nil)

// ChromemOption configures Chromem
type ChromemOption func(*chromemConfig)

type chromemConfig struct {
	path     string
	compress bool
}

// WithChromemPath persists the database under the directory
func WithChromemPath(path string) ChromemOption {
	return func(c *chromemConfig) {
		c.path = path
	}
}

// WithChromemCompress gzips persisted files
func WithChromemCompress(compress bool) ChromemOption {
	return func(c *chromemConfig) {
		c.compress = compress
	}
}

// NewChromem creates an embedded vector index. Without WithChromemPath the
// database lives only in memory.
func NewChromem(opts ...ChromemOption) (*Chromem, error) {
	var cfg chromemConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}

	db, err := chromem.NewPersistentDB(cfg.path, cfg.compress)
	if err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "failed to open chromem database",
			goerr.V("path", cfg.path),
			goerr.V("cause", err.Error()))
	}
	return &Chromem{db: db}, nil
}

func (x *Chromem) defCollection() (*chromem.Collection, error) {
	if c := x.db.GetCollection(chromemDefCollection, nil); c != nil {
		return c, nil
	}
	c, err := x.db.CreateCollection(chromemDefCollection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "failed to create definition collection", goerr.V("cause", err.Error()))
	}
	return c, nil
}

type chromemIndex struct {
	coll      *chromem.Collection
	dimension int
	metric    model.Metric
}

func (x *Chromem) lookup(ctx context.Context, name string) (*chromemIndex, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}

	coll := x.db.GetCollection(name, nil)
	if coll == nil {
		return nil, goerr.Wrap(model.ErrIndexNotFound, "index not found", goerr.V("index", name))
	}

	defs, err := x.defCollection()
	if err != nil {
		return nil, err
	}
	def, err := defs.GetByID(ctx, name)
	if err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "index definition is missing",
			goerr.V("index", name),
			goerr.V("cause", err.Error()))
	}

	dimension, err := strconv.Atoi(def.Metadata[chromemMetaDimension])
	if err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "broken index definition",
			goerr.V("index", name),
			goerr.V("dimension", def.Metadata[chromemMetaDimension]))
	}

	return &chromemIndex{
		coll:      coll,
		dimension: dimension,
		metric:    model.Metric(def.Metadata[chromemMetaMetric]),
	}, nil
}

// CreateIndex implements Service
func (x *Chromem) CreateIndex(ctx context.Context, name string, dimension int, metric model.Metric) error {
	if err := validateCreate(name, dimension, metric); err != nil {
		return err
	}
	if metric != model.MetricCosine {
		return goerr.Wrap(model.ErrVectorStore, "chromem supports only cosine metric", goerr.V("metric", metric))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db.GetCollection(name, nil) != nil {
		return goerr.Wrap(model.ErrIndexAlreadyExists, "index already exists", goerr.V("index", name))
	}

	meta := map[string]string{
		chromemMetaDimension: strconv.Itoa(dimension),
		chromemMetaMetric:    string(metric),
	}

	defs, err := x.defCollection()
	if err != nil {
		return err
	}
	// chromem requires an embedding on every document; the unit vector is a
	// placeholder that is never queried
	if err := defs.AddDocument(ctx, chromem.Document{
		ID:        name,
		Metadata:  meta,
		Embedding: []float32{1},
	}); err != nil {
		return goerr.Wrap(model.ErrVectorStore, "failed to store index definition",
			goerr.V("index", name),
			goerr.V("cause", err.Error()))
	}

	if _, err := x.db.CreateCollection(name, meta, nil); err != nil {
		_ = defs.Delete(ctx, nil, nil, name)
		return goerr.Wrap(model.ErrVectorStore, "failed to create collection",
			goerr.V("index", name),
			goerr.V("cause", err.Error()))
	}
	return nil
}

// DescribeIndex implements Service
func (x *Chromem) DescribeIndex(ctx context.Context, name string) (*model.IndexInfo, error) {
	idx, err := x.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return &model.IndexInfo{
		Name:      name,
		Dimension: idx.dimension,
		Metric:    idx.metric,
		Count:     idx.coll.Count(),
	}, nil
}

// ListIndexes implements Service
func (x *Chromem) ListIndexes(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	for name := range x.db.ListCollections() {
		if name == chromemDefCollection {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert implements Service
func (x *Chromem) Upsert(ctx context.Context, name string, vectors [][]float32, payloads []model.Payload) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx, err := x.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validateUpsert(name, idx.dimension, vectors, payloads); err != nil {
		return nil, err
	}

	ids := make([]string, len(vectors))
	docs := make([]chromem.Document, len(vectors))
	for i := range vectors {
		raw, err := json.Marshal(payloads[i])
		if err != nil {
			return nil, goerr.Wrap(model.ErrInvalidArgument, "payload is not serializable",
				goerr.V("index", name),
				goerr.V("position", i),
				goerr.V("cause", err.Error()))
		}
		ids[i] = model.NewRecordID()
		docs[i] = chromem.Document{
			ID:        ids[i],
			Metadata:  map[string]string{chromemMetaPayload: string(raw)},
			Embedding: vectors[i],
		}
	}

	// every document is built before the first write so that validation
	// failures leave the collection unchanged
	if err := idx.coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		_ = idx.coll.Delete(ctx, nil, nil, ids...)
		return nil, goerr.Wrap(model.ErrVectorStore, "failed to add documents",
			goerr.V("index", name),
			goerr.V("cause", err.Error()))
	}
	return ids, nil
}

// Query implements Service
func (x *Chromem) Query(ctx context.Context, name string, vector []float32, topK int) ([]*model.QueryResult, error) {
	idx, err := x.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(name, idx.dimension, vector, topK); err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection
	n := min(topK, idx.coll.Count())
	if n == 0 {
		return []*model.QueryResult{}, nil
	}

	hits, err := idx.coll.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "failed to query collection",
			goerr.V("index", name),
			goerr.V("cause", err.Error()))
	}

	results := make([]*model.QueryResult, 0, len(hits))
	for _, hit := range hits {
		payload, err := decodeChromemPayload(hit.Metadata)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to decode payload", goerr.V("index", name), goerr.V("id", hit.ID))
		}
		results = append(results, &model.QueryResult{
			ID:      hit.ID,
			Score:   float64(hit.Similarity),
			Payload: payload,
		})
	}
	return results, nil
}

// Fetch implements Service
func (x *Chromem) Fetch(ctx context.Context, name string, ids []string) ([]*model.VectorRecord, error) {
	idx, err := x.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	records := make([]*model.VectorRecord, 0, len(ids))
	for _, id := range ids {
		doc, err := idx.coll.GetByID(ctx, id)
		if err != nil {
			// GetByID fails only for unknown ids
			continue
		}
		payload, err := decodeChromemPayload(doc.Metadata)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to decode payload", goerr.V("index", name), goerr.V("id", id))
		}
		records = append(records, &model.VectorRecord{
			ID:      doc.ID,
			Vector:  doc.Embedding,
			Payload: payload,
		})
	}
	return records, nil
}

// Export writes a gzip compressed snapshot of every index to w
func (x *Chromem) Export(w io.Writer) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.ExportToWriter(w, true, ""); err != nil {
		return goerr.Wrap(model.ErrVectorStore, "failed to export chromem database", goerr.V("cause", err.Error()))
	}
	return nil
}

// Import replaces the database content with a snapshot written by Export
func (x *Chromem) Import(r io.ReadSeeker) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.ImportFromReader(r, ""); err != nil {
		return goerr.Wrap(model.ErrVectorStore, "failed to import chromem database", goerr.V("cause", err.Error()))
	}
	return nil
}

func decodeChromemPayload(meta map[string]string) (model.Payload, error) {
	raw, ok := meta[chromemMetaPayload]
	if !ok {
		return model.Payload{}, nil
	}
	var payload model.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, goerr.Wrap(model.ErrVectorStore, "broken payload", goerr.V("cause", err.Error()))
	}
	return payload, nil
}
