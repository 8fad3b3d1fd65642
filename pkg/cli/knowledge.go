package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/usecase/knowledge"
	"github.com/urfave/cli/v3"
)

func addCommand() *cli.Command {
	var (
		cfg         config
		title       string
		content     string
		contentFile string
		category    string
		tags        []string
		index       string
	)

	flags := withFlags(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "title",
				Aliases:     []string{"t"},
				Usage:       "Document title",
				Destination: &title,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "content",
				Aliases:     []string{"c"},
				Usage:       "Document body",
				Destination: &content,
			},
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "Read the document body from a file",
				Destination: &contentFile,
			},
			&cli.StringFlag{
				Name:        "category",
				Usage:       "Document category",
				Destination: &category,
				Required:    true,
			},
			&cli.StringSliceFlag{
				Name:        "tag",
				Usage:       "Tag (repeatable)",
				Destination: &tags,
			},
			&cli.StringFlag{
				Name:        "index",
				Usage:       "Target index (knowledge index when empty)",
				Destination: &index,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
	)

	return &cli.Command{
		Name:  "add",
		Usage: "Add a document to the knowledge base",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return goerr.Wrap(err, "failed to read content file", goerr.V("path", contentFile))
				}
				content = string(data)
			}

			uc, _, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}
			if _, err := uc.EnsureIndex(ctx, index); err != nil {
				return err
			}

			doc, err := uc.AddDocument(ctx, knowledge.AddDocumentInput{
				Title:    title,
				Content:  content,
				Category: model.Category(category),
				Tags:     tags,
				Index:    index,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to add document")
			}

			fmt.Fprintf(c.Root().Writer, "Document added: %s\n", doc.ID)
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	var (
		cfg     config
		index   string
		topK    int64
		snippet bool
		asJSON  bool
	)

	flags := withFlags(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "index",
				Usage:       "Index to search (knowledge index when empty)",
				Destination: &index,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "Number of results (default top-k when 0)",
				Destination: &topK,
			},
			&cli.BoolFlag{
				Name:        "snippet",
				Aliases:     []string{"s"},
				Usage:       "Truncate content to a short snippet",
				Destination: &snippet,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "Print results as JSON",
				Destination: &asJSON,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
	)

	return &cli.Command{
		Name:      "search",
		Usage:     "Search the knowledge base by meaning",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			query := strings.Join(c.Args().Slice(), " ")
			if topK < 0 {
				return goerr.Wrap(model.ErrInvalidArgument, "top-k must not be negative", goerr.V("top_k", topK))
			}

			uc, _, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}

			input := knowledge.SearchInput{Query: query, Index: index, TopK: int(topK)}
			search := uc.Search
			if snippet {
				search = uc.SearchSnippets
			}
			results, err := search(ctx, input)
			if err != nil {
				return goerr.Wrap(err, "failed to search")
			}

			w := c.Root().Writer
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				fmt.Fprintln(w, "No documents found")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(w, "%d. %s [%s] score=%.4f id=%s\n", r.Position, r.Title, r.Category, r.Score, r.ID)
				if len(r.Tags) > 0 {
					fmt.Fprintf(w, "   tags: %s\n", strings.Join(r.Tags, ", "))
				}
				fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(r.Content, "\n", "\n   "))
			}
			return nil
		},
	}
}

func seedCommand() *cli.Command {
	var (
		cfg   config
		file  string
		index string
	)

	flags := withFlags(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "YAML file of documents (built-in samples when empty)",
				Destination: &file,
			},
			&cli.StringFlag{
				Name:        "index",
				Usage:       "Target index (knowledge index when empty)",
				Destination: &index,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
	)

	return &cli.Command{
		Name:  "seed",
		Usage: "Bulk add sample documents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			docs, err := knowledge.LoadSeedFile(file)
			if err != nil {
				return err
			}

			uc, _, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}
			if _, err := uc.EnsureIndex(ctx, index); err != nil {
				return err
			}

			failed := 0
			for _, r := range uc.Seed(ctx, index, docs) {
				if r.Err != nil {
					failed++
					fmt.Fprintf(c.Root().Writer, "NG\t%s\t%v\n", r.Title, r.Err)
					continue
				}
				fmt.Fprintf(c.Root().Writer, "OK\t%s\t%s\n", r.Title, r.Document.ID)
			}

			if failed > 0 {
				return goerr.New("some documents were not added", goerr.V("failed", failed), goerr.V("total", len(docs)))
			}
			return nil
		},
	}
}
