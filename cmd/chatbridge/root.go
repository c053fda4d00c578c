package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "Chat with Claude Code from Telegram",
		Long: `chatbridge relays Telegram messages to the Claude Code CLI and streams the
replies back, keeping one agent conversation per chat.

Quick Start:
  chatbridge serve --config config.yaml     # Run the bot
  chatbridge ask "explain this repo"        # One-off prompt from the terminal`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(os.Stderr, opts.logLevel, opts.logFormat); err != nil {
				return err
			}
			return loadEnv(opts.envFile)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (default .env if present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAskCmd(opts))
	return root
}

// setupLogging installs the default slog handler.
func setupLogging(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(h))
	return nil
}

// loadEnv loads an env file before the config is read so ${VARS} in the YAML
// can refer to it. A missing default .env is not an error.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no .env file found, using environment variables")
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
