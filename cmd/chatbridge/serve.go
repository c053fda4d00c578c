package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zette-dev/chatbridge/internal/bot"
	"github.com/zette-dev/chatbridge/internal/bridge"
	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor/claude"
	"github.com/zette-dev/chatbridge/internal/project"
	"github.com/zette-dev/chatbridge/internal/session"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			exec := claude.New(cfg.Claude)
			br := bridge.New(exec, session.NewStore(), project.NewResolver(cfg.Workspaces))

			b, err := bot.New(cfg, br)
			if err != nil {
				return err
			}

			slog.Info("chatbridge starting",
				"executor", exec.Name(),
				"workspaces", cfg.Workspaces.BasePath,
				"allowed_users", len(cfg.Telegram.AllowedUserIDs),
				"allowed_tools", len(cfg.Claude.AllowedTools),
			)

			b.Start(cmd.Context())

			slog.Info("chatbridge stopped")
			return nil
		},
	}
}
