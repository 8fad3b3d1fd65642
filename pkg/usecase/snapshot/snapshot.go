package snapshot

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

// DefaultKey is the object name used when none is given
const DefaultKey = "vectors.gob.gz"

// Exporter writes a snapshot of a vector database
type Exporter interface {
	Export(w io.Writer) error
}

// Importer replaces a vector database with a snapshot
type Importer interface {
	Import(r io.ReadSeeker) error
}

// UseCase moves embedded vector index snapshots to and from object storage
type UseCase struct {
	storage adapter.Storage
}

func New(storage adapter.Storage) *UseCase {
	return &UseCase{storage: storage}
}

// Save exports the database into the object at key
func (u *UseCase) Save(ctx context.Context, db Exporter, key string) error {
	if key == "" {
		key = DefaultKey
	}

	writer, err := u.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}

	started := time.Now()
	if err := db.Export(writer); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit snapshot", goerr.V("key", key))
	}

	logging.From(ctx).Info("snapshot saved", "key", key, "elapsed", time.Since(started))
	return nil
}

// Restore replaces the database with the object at key
func (u *UseCase) Restore(ctx context.Context, db Importer, key string) error {
	if key == "" {
		key = DefaultKey
	}

	reader, err := u.storage.Get(ctx, key)
	if err != nil {
		return goerr.Wrap(model.ErrNotFound, "failed to open snapshot",
			goerr.V("key", key), goerr.V("cause", err.Error()))
	}
	defer reader.Close()

	// the importer needs to seek, object readers cannot
	data, err := io.ReadAll(reader)
	if err != nil {
		return goerr.Wrap(err, "failed to read snapshot", goerr.V("key", key))
	}
	if err := db.Import(bytes.NewReader(data)); err != nil {
		return err
	}

	logging.From(ctx).Info("snapshot restored", "key", key, "bytes", len(data))
	return nil
}
