package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/backend/local"
	"chatsync/internal/backend/ws"
	"chatsync/internal/directory"
	"chatsync/internal/notify"
	"chatsync/internal/seed"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend server (WebSocket feed + object store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			baseURL := cfg.Backend.PublicURL
			if baseURL == "" {
				baseURL = "http://" + cfg.Backend.Listen
			}

			backend, err := local.New(local.Options{
				DBPath:  cfg.Backend.DBPath,
				UserID:  cfg.Identity.UserID,
				BaseURL: baseURL,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			defer backend.Close()

			if seedPath != "" {
				fixture, err := seed.LoadFile(seedPath)
				if err != nil {
					return err
				}
				if err := fixture.Apply(ctx, backend, logger); err != nil {
					return err
				}
			}

			if cfg.Notify.Telegram.Enabled {
				sender, err := notify.NewTelegramSender(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
				if err != nil {
					logger.Error("telegram notifier disabled", "err", err)
				} else {
					ident, err := backend.CurrentIdentity(ctx)
					if err != nil {
						return err
					}
					dir := directory.New(backend, ident.UID, logger)
					interval := time.Duration(cfg.Notify.Telegram.PollSeconds) * time.Second
					go func() {
						if err := notify.New(dir, sender, interval, logger).Run(ctx); err != nil && ctx.Err() == nil {
							logger.Error("notifier stopped", "err", err)
						}
					}()
				}
			}

			srv := ws.NewServer(backend, logger)
			logger.Info("serving", "addr", cfg.Backend.Listen, "db", cfg.Backend.DBPath)
			return srv.ListenAndServe(ctx, cfg.Backend.Listen)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML fixture of rooms and messages to load at startup")
	return cmd
}
