package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/urfave/cli/v3"
)

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Manage vector indexes",
		Commands: []*cli.Command{
			indexCreateCommand(),
			indexDescribeCommand(),
			indexListCommand(),
		},
	}
}

func indexCreateCommand() *cli.Command {
	var (
		cfg    config
		metric string
	)

	flags := withFlags(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "metric",
				Usage:       "Similarity metric (cosine, euclidean, dot_product)",
				Value:       string(model.MetricCosine),
				Destination: &metric,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
	)

	return &cli.Command{
		Name:      "create",
		Usage:     "Create an index sized for the configured embedding dimension",
		ArgsUsage: "[name]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			name := c.Args().First()
			if name == "" {
				name = cfg.knowledgeIndex
			}

			index, err := cfg.newVectorIndex(ctx)
			if err != nil {
				return err
			}

			err = index.CreateIndex(ctx, name, int(cfg.dimension), model.Metric(metric))
			if errors.Is(err, model.ErrIndexAlreadyExists) {
				fmt.Fprintf(c.Root().Writer, "Index already exists: %s\n", name)
				return nil
			}
			if err != nil {
				return goerr.Wrap(err, "failed to create index", goerr.V("name", name))
			}

			fmt.Fprintf(c.Root().Writer, "Index created: %s (dimension=%d, metric=%s)\n", name, cfg.dimension, metric)
			return nil
		},
	}
}

func indexDescribeCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "describe",
		Usage:     "Show dimension, metric and record count of an index",
		ArgsUsage: "[name]",
		Flags:     withFlags(globalFlags(&cfg), knowledgeFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			name := c.Args().First()
			if name == "" {
				name = cfg.knowledgeIndex
			}

			index, err := cfg.newVectorIndex(ctx)
			if err != nil {
				return err
			}

			info, err := index.DescribeIndex(ctx, name)
			if err != nil {
				return goerr.Wrap(err, "failed to describe index", goerr.V("name", name))
			}

			fmt.Fprintf(c.Root().Writer, "name:\t%s\ndimension:\t%d\nmetric:\t%s\ncount:\t%d\n",
				info.Name, info.Dimension, info.Metric, info.Count)
			return nil
		},
	}
}

func indexListCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "list",
		Usage: "List index names",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			index, err := cfg.newVectorIndex(ctx)
			if err != nil {
				return err
			}

			names, err := index.ListIndexes(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to list indexes")
			}
			for _, name := range names {
				fmt.Fprintln(c.Root().Writer, name)
			}
			return nil
		},
	}
}
