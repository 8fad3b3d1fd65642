package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Read and update the working memory of a resource",
		Commands: []*cli.Command{
			memoryGetCommand(),
			memorySetCommand(),
		},
	}
}

func memoryGetCommand() *cli.Command {
	var (
		cfg      config
		resource string
	)

	return &cli.Command{
		Name:  "get",
		Usage: "Show the working memory",
		Flags: withFlags([]cli.Flag{resourceFlag(&resource)}, globalFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			wm, err := memory.New(repo).Get(ctx, model.ResourceID(resource))
			if err != nil {
				return goerr.Wrap(err, "failed to get working memory")
			}

			text := memory.Format(wm)
			if text == "" {
				fmt.Fprintf(c.Root().Writer, "No working memory for resource %s\n", resource)
				return nil
			}
			fmt.Fprint(c.Root().Writer, text)
			return nil
		},
	}
}

// parseFacts splits key=value pairs
func parseFacts(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	facts := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, goerr.Wrap(model.ErrInvalidArgument, "fact must be key=value", goerr.V("fact", pair))
		}
		facts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return facts, nil
}

func memorySetCommand() *cli.Command {
	var (
		cfg      config
		resource string
		facts    []string
		deletes  []string
		note     string
	)

	flags := withFlags(
		[]cli.Flag{
			resourceFlag(&resource),
			&cli.StringSliceFlag{
				Name:        "fact",
				Usage:       "Fact to set as key=value (repeatable)",
				Destination: &facts,
			},
			&cli.StringSliceFlag{
				Name:        "delete",
				Usage:       "Fact key to remove (repeatable)",
				Destination: &deletes,
			},
			&cli.StringFlag{
				Name:        "note",
				Usage:       "Replace the free-form note",
				Destination: &note,
			},
		},
		globalFlags(&cfg),
	)

	return &cli.Command{
		Name:  "set",
		Usage: "Merge facts into the working memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			set, err := parseFacts(facts)
			if err != nil {
				return err
			}
			patch := memory.Patch{Set: set, Delete: deletes}
			if c.IsSet("note") {
				patch.Note = &note
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			wm, err := memory.New(repo).Update(ctx, model.ResourceID(resource), patch)
			if err != nil {
				return goerr.Wrap(err, "failed to update working memory")
			}
			fmt.Fprint(c.Root().Writer, memory.Format(wm))
			return nil
		},
	}
}
