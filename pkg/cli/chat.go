package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/service/mcp"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/m-mizutani/recollect/pkg/usecase/chat"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		resource  string
		thread    string
		mcpConfig string
		history   string
	)

	flags := withFlags(
		[]cli.Flag{
			resourceFlag(&resource),
			threadFlag(&thread, false),
			&cli.StringFlag{
				Name:        "mcp-config",
				Usage:       "YAML file of external MCP servers whose tools are offered to the model",
				Sources:     cli.EnvVars("RECOLLECT_MCP_CONFIG"),
				Destination: &mcpConfig,
			},
			&cli.StringFlag{
				Name:        "history-file",
				Usage:       "Input history file of the prompt",
				Value:       ".recollect/chat_history",
				Destination: &history,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
		recallFlags(&cfg),
		llmFlags(&cfg),
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with an assistant that recalls earlier conversations",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			st, err := cfg.newStack(ctx)
			if err != nil {
				return err
			}
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			var extra []tool.Tool
			provider, err := mcp.LoadAndConnect(ctx, mcpConfig)
			if err != nil {
				return err
			}
			if provider != nil {
				extra = append(extra, provider)
			}

			threadID := model.ThreadID(thread)
			if threadID == "" {
				threadID = model.NewThreadID()
			}

			session, err := chat.New(chat.NewInput{
				Gemini:     gemini,
				Recall:     st.recall,
				Memory:     st.memory,
				Registry:   st.registry(model.ResourceID(resource), threadID, extra...),
				ResourceID: model.ResourceID(resource),
				ThreadID:   threadID,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to create chat session")
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     history,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize prompt")
			}
			defer rl.Close()

			w := c.Root().Writer
			fmt.Fprintf(w, "Chat session started (thread %s). Type 'exit' to quit.\n", session.ThreadID())

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "exit" {
					break
				}
				if message == "" {
					continue
				}

				spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
				spin.Suffix = " thinking..."
				spin.Start()
				reply, err := session.Send(ctx, message)
				spin.Stop()

				if err != nil {
					// one failed turn does not end the session
					logging.From(ctx).Error("failed to send message", logging.ErrAttr(err))
					continue
				}

				for _, call := range reply.ToolCalls {
					mark := "ok"
					if !call.Success {
						mark = "failed"
					}
					fmt.Fprintf(w, "  [tool] %s (%s)\n", call.Name, mark)
				}
				fmt.Fprintf(w, "%s\n\n", reply.Text)
			}

			fmt.Fprintf(w, "\nChat session completed. Resume with --thread %s\n", session.ThreadID())
			return nil
		},
	}
}
