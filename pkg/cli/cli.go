package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "recollect",
		Usage: "Knowledge retrieval and conversation recall for LLM agents",
		Commands: []*cli.Command{
			indexCommand(),
			addCommand(),
			searchCommand(),
			seedCommand(),
			ingestCommand(),
			recallCommand(),
			threadsCommand(),
			memoryCommand(),
			chatCommand(),
			serveCommand(),
			snapshotCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// withFlags joins flag groups of a command
func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, g := range groups {
		flags = append(flags, g...)
	}
	return flags
}
