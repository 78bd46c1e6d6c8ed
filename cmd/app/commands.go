package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/allisson/effectd/internal/app"
	"github.com/allisson/effectd/internal/config"
)

func getCommands(version string) []*cli.Command {
	cmds := []*cli.Command{}
	cmds = append(cmds, getSystemCommands(version)...)
	cmds = append(cmds, getOutboxCommands()...)
	cmds = append(cmds, getTaskCommands()...)
	return cmds
}

// newContainer loads and validates the configuration from the environment.
func newContainer() (*app.Container, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return app.NewContainer(cfg), nil
}
