package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/scribehq/scribed/internal/config"
	"github.com/scribehq/scribed/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommands: key management and
// encryption of provider API keys for use in config files.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage encrypted provider credentials",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Generate the encryption key if it does not exist",
				Action: runSecretsInit,
			},
			{
				Name:      "encrypt",
				Usage:     "Encrypt a value for embedding in the config",
				ArgsUsage: "<value>",
				Action:    runSecretsEncrypt,
			},
			{
				Name:      "set",
				Usage:     "Store a key=value entry in the scribed env file",
				ArgsUsage: "<KEY> <value>",
				Action:    runSecretsSet,
			},
		},
	}
}

func runSecretsInit(_ context.Context, _ *cli.Command) error {
	path := secrets.KeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := secrets.GenerateIdentity(path); err != nil {
		return err
	}
	fmt.Printf("Encryption key ready at %s\n", path)
	return nil
}

func runSecretsEncrypt(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: scribed secrets encrypt <value>")
	}

	identity, err := secrets.LoadIdentity(secrets.KeyPath())
	if err != nil {
		return fmt.Errorf("load key (run 'scribed secrets init' first): %w", err)
	}
	blob, err := secrets.Encrypt(cmd.Args().Get(0), identity.Recipient())
	if err != nil {
		return err
	}
	fmt.Println(blob)
	return nil
}

func runSecretsSet(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: scribed secrets set <KEY> <value>")
	}
	key, value := cmd.Args().Get(0), cmd.Args().Get(1)

	envPath := filepath.Join(config.ScribedPath(), ".env")
	if err := os.MkdirAll(filepath.Dir(envPath), 0o755); err != nil {
		return err
	}
	if err := secrets.SetEntry(envPath, key, value); err != nil {
		return err
	}
	fmt.Printf("Stored %s in %s\n", key, envPath)
	return nil
}
