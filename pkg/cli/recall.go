package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/usecase/recall"
	"github.com/urfave/cli/v3"
)

func resourceFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "resource",
		Aliases:     []string{"r"},
		Usage:       "Resource (user) ID owning threads and working memory",
		Sources:     cli.EnvVars("RECOLLECT_RESOURCE"),
		Destination: dst,
		Required:    true,
	}
}

func threadFlag(dst *string, required bool) cli.Flag {
	return &cli.StringFlag{
		Name:        "thread",
		Usage:       "Thread ID",
		Sources:     cli.EnvVars("RECOLLECT_THREAD"),
		Destination: dst,
		Required:    required,
	}
}

func ingestCommand() *cli.Command {
	var (
		cfg      config
		resource string
		thread   string
		role     string
	)

	flags := withFlags(
		[]cli.Flag{
			resourceFlag(&resource),
			threadFlag(&thread, true),
			&cli.StringFlag{
				Name:        "role",
				Usage:       "Message role (user, assistant, system)",
				Value:       string(model.RoleUser),
				Destination: &role,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
		recallFlags(&cfg),
	)

	return &cli.Command{
		Name:      "ingest",
		Usage:     "Store a conversation message and make it recallable",
		ArgsUsage: "<content>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			uc, _, err := cfg.newRecall(ctx)
			if err != nil {
				return err
			}

			msg, err := uc.Ingest(ctx, recall.IngestInput{
				ThreadID:   model.ThreadID(thread),
				ResourceID: model.ResourceID(resource),
				Role:       model.Role(role),
				Content:    strings.Join(c.Args().Slice(), " "),
			})
			if msg != nil {
				fmt.Fprintf(c.Root().Writer, "Message stored: %s (thread=%s, seq=%d)\n", msg.ID, msg.ThreadID, msg.Seq)
			}
			if err != nil {
				return goerr.Wrap(err, "failed to ingest message")
			}
			return nil
		},
	}
}

func recallCommand() *cli.Command {
	var (
		cfg      config
		resource string
		thread   string
	)

	flags := withFlags(
		[]cli.Flag{
			resourceFlag(&resource),
			threadFlag(&thread, true),
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
		recallFlags(&cfg),
	)

	return &cli.Command{
		Name:      "recall",
		Usage:     "Build the recall window for a message without storing it",
		ArgsUsage: "<message>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			uc, _, err := cfg.newRecall(ctx)
			if err != nil {
				return err
			}

			window, err := uc.Recall(ctx, recall.RecallInput{
				ThreadID:   model.ThreadID(thread),
				ResourceID: model.ResourceID(resource),
				Message:    strings.Join(c.Args().Slice(), " "),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to recall")
			}

			w := c.Root().Writer
			text := window.Format()
			if text == "" {
				fmt.Fprintln(w, "Nothing to recall")
			} else {
				fmt.Fprint(w, text)
			}
			if len(window.Gaps) > 0 {
				fmt.Fprintf(w, "\n(%d hits skipped)\n", len(window.Gaps))
			}
			return nil
		},
	}
}

func threadsCommand() *cli.Command {
	var (
		cfg      config
		resource string
	)

	return &cli.Command{
		Name:  "threads",
		Usage: "List conversation threads of a resource",
		Flags: withFlags([]cli.Flag{resourceFlag(&resource)}, globalFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			threads, err := repo.ListThreads(ctx, model.ResourceID(resource))
			if err != nil {
				return goerr.Wrap(err, "failed to list threads")
			}

			if len(threads) == 0 {
				fmt.Fprintf(c.Root().Writer, "No threads found for resource %s\n", resource)
				return nil
			}
			for _, t := range threads {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%d\t%s\n",
					t.ID,
					t.Title,
					t.MessageCount,
					t.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}
}
