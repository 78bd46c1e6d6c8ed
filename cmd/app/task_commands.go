package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/effectd/cmd/app/commands"
)

func getTaskCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "task-abort",
			Usage: "Cancel a task that has not finished",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"i"},
					Required: true,
					Usage:    "Task ID (UUID)",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				tasks, err := container.TaskUseCase()
				if err != nil {
					return err
				}

				return commands.RunTaskAbort(
					ctx,
					tasks,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("id"),
					cmd.String("format"),
				)
			},
		},
	}
}
