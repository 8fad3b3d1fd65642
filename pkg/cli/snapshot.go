package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/usecase/snapshot"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
	"github.com/urfave/cli/v3"
)

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Copy the embedded vector index to and from Cloud Storage",
		Commands: []*cli.Command{
			snapshotExportCommand(),
			snapshotImportCommand(),
		},
	}
}

// newSnapshot opens the chromem database and the snapshot bucket
func (cfg *config) newSnapshot(ctx context.Context) (*snapshot.UseCase, *vectorindex.Chromem, error) {
	if cfg.vectorBackend != "chromem" {
		return nil, nil, goerr.Wrap(model.ErrInvalidArgument, "snapshots require the chromem vector backend",
			goerr.V("backend", cfg.vectorBackend))
	}
	if cfg.snapshotBucket == "" {
		return nil, nil, goerr.Wrap(model.ErrConfigurationMissing, "bucket is required")
	}

	if _, err := cfg.newVectorIndex(ctx); err != nil {
		return nil, nil, err
	}
	storage, err := adapter.NewStorage(ctx, cfg.snapshotBucket, adapter.WithStoragePrefix(cfg.snapshotPrefix))
	if err != nil {
		return nil, nil, err
	}
	return snapshot.New(storage), cfg.chromem, nil
}

func snapshotKeyFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "key",
		Usage:       "Object name of the snapshot",
		Value:       snapshot.DefaultKey,
		Destination: dst,
	}
}

func snapshotExportCommand() *cli.Command {
	var (
		cfg config
		key string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Upload a snapshot of every index",
		Flags: withFlags([]cli.Flag{snapshotKeyFlag(&key)}, globalFlags(&cfg), snapshotFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			uc, db, err := cfg.newSnapshot(ctx)
			if err != nil {
				return err
			}
			if err := uc.Save(ctx, db, key); err != nil {
				return goerr.Wrap(err, "failed to export snapshot")
			}
			fmt.Fprintf(c.Root().Writer, "Snapshot exported: gs://%s/%s/%s\n", cfg.snapshotBucket, cfg.snapshotPrefix, key)
			return nil
		},
	}
}

func snapshotImportCommand() *cli.Command {
	var (
		cfg config
		key string
	)

	return &cli.Command{
		Name:  "import",
		Usage: "Replace local indexes with a snapshot",
		Flags: withFlags([]cli.Flag{snapshotKeyFlag(&key)}, globalFlags(&cfg), snapshotFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			uc, db, err := cfg.newSnapshot(ctx)
			if err != nil {
				return err
			}
			if err := uc.Restore(ctx, db, key); err != nil {
				return goerr.Wrap(err, "failed to import snapshot")
			}
			fmt.Fprintf(c.Root().Writer, "Snapshot imported: %s\n", key)
			return nil
		},
	}
}
