package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/service/mcp"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg      config
		resource string
		addr     string
	)

	flags := withFlags(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "resource",
				Aliases:     []string{"r"},
				Usage:       "Bind memory tools to one resource (callers pass resource_id when empty)",
				Sources:     cli.EnvVars("RECOLLECT_RESOURCE"),
				Destination: &resource,
			},
			&cli.StringFlag{
				Name:        "http",
				Usage:       "Serve streamable HTTP on this address instead of stdio",
				Sources:     cli.EnvVars("RECOLLECT_HTTP_ADDR"),
				Destination: &addr,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		knowledgeFlags(&cfg),
		recallFlags(&cfg),
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve knowledge and memory tools over MCP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close(ctx)

			st, err := cfg.newStack(ctx)
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(st.registry(model.ResourceID(resource), ""))
			if err != nil {
				return err
			}

			logger := logging.From(ctx)
			if addr == "" {
				logger.Info("serving MCP on stdio")
				return server.RunStdio(ctx)
			}

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.HTTPHandler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("serving MCP over HTTP", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return goerr.Wrap(err, "http server stopped", goerr.V("addr", addr))
			}
			return nil
		},
	}
}
