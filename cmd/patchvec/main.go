// Package main implements the patchvec server and admin CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/config"
	"github.com/flowlexi/patchvec/internal/engine"
	"github.com/flowlexi/patchvec/internal/logging"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/version"
)

var configPath string

// errUsage marks command-line misuse; it maps to exit code 2.
var errUsage = errors.New("usage error")

var rootCmd = &cobra.Command{
	Use:   "patchvec",
	Short: "Multi-tenant vector search service",
	Long: `patchvec ingests TXT, CSV and PDF documents into per-tenant
collections and serves semantic search with metadata filtering.

The serve command runs the HTTP server; the remaining commands operate
directly on the configured data directory.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(deleteDocCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(restoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var pe *pverr.Error
	if errors.As(err, &pe) {
		return pe.ExitCode()
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

// exactArgs is cobra.ExactArgs with usage-error exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, cmd.Name(), n, len(args))
		}
		return nil
	}
}

// loadConfig loads configuration from --config and PATCHVEC_* env vars.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the service logger from config.
func newLogger(cfg *config.Config, format string) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Server.LogLevel, Format: format})
}

// newEngine wires an engine (and its ops log) for a one-shot admin command.
func newEngine(cfg *config.Config, logger *zap.Logger) (*engine.Engine, *opslog.Logger, error) {
	ops, err := opslog.New(cfg.Log.OpsLog, logger)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(*cfg, logger, ops)
	if err != nil {
		ops.Close()
		return nil, nil, err
	}
	return eng, ops, nil
}
