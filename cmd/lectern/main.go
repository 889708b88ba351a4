// Command lectern runs the Lectern lecture chat server and its maintenance
// tasks.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lectern/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lectern: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lectern",
		Short:         "Chat over live lectures and course material",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newIndexCmd(&configPath),
	)
	return root
}

// setup loads the configuration at path and installs the process logger.
// The returned function closes the log file.
func setup(cmd *cobra.Command, path string) (*config.Config, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; pass --config or create one", path)
		}
		return nil, nil, err
	}

	logger, closeLog, err := config.NewLogger(cfg.Server, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "lectern: close log file: %v\n", err)
		}
	}, nil
}
