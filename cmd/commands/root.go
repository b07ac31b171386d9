// Package commands holds the scribed CLI surface.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/scribehq/scribed/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "scribed",
		Usage: "AI-assisted codebase documentation server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewGenerateCommand(),
			NewStatusCommand(),
			NewWorkspacesCommand(),
			NewSecretsCommand(),
		},
	}
}
