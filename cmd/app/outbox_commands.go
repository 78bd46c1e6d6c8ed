package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/effectd/cmd/app/commands"
)

func getOutboxCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "outbox-stats",
			Usage: "Show outbox record counts per status",
			Flags: []cli.Flag{
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

				outbox, err := container.OutboxUseCase()
				if err != nil {
					return err
				}

				return commands.RunOutboxStats(
					ctx,
					outbox,
					container.Logger(),
					commands.DefaultIO().Writer,
					container.Config().OutboxStatsLookback,
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "outbox-requeue",
			Usage: "Give a FAILED outbox record a fresh retry budget",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"i"},
					Required: true,
					Usage:    "Outbox record ID (UUID)",
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

				outbox, err := container.OutboxUseCase()
				if err != nil {
					return err
				}

				return commands.RunOutboxRequeue(
					ctx,
					outbox,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("id"),
					cmd.String("format"),
				)
			},
		},
	}
}
