package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"chatsync/internal/backend/local"
	"chatsync/internal/backend/ws"
	"chatsync/internal/config"
	"chatsync/internal/directory"
	"chatsync/internal/domain"
	"chatsync/internal/session"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "chatsync: realtime room chat over a document backend",
		Long:  "chatsync synchronizes room chat state (messages, receipts, typing, mutes) through a document-and-object backend.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatsync/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(attachCmd())
	root.AddCommand(roomsCmd())
	root.AddCommand(createCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(muteCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", cfg.General.DataDir)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	return cfg
}

// openBackend connects to the configured backend: the SQLite one
// in-process, or a served one over WebSocket.
func openBackend(ctx context.Context, cfg *config.Config) (domain.Backend, func(), error) {
	switch cfg.Backend.Mode {
	case "remote":
		client, err := ws.Dial(ctx, cfg.Backend.Addr, cfg.Identity.UserID, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	default:
		b, err := local.New(local.Options{
			DBPath:  cfg.Backend.DBPath,
			UserID:  cfg.Identity.UserID,
			BaseURL: cfg.Backend.PublicURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	}
}

func roomsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with previews, unread counts and mute state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := cmd.Context()

			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ident, err := backend.CurrentIdentity(ctx)
			if err != nil {
				return err
			}

			dir := directory.New(backend, ident.UID, logger)
			entries, err := dir.Load(ctx)
			if err != nil {
				return err
			}
			entries = directory.Filter(entries, filter)

			for _, e := range entries {
				pin := " "
				if e.Room.Pinned {
					pin = "*"
				}
				badge := ""
				if e.Unread > 0 {
					badge = fmt.Sprintf(" (%d unread)", e.Unread)
				}
				mute := ""
				if e.Muted {
					mute = " [muted]"
				}
				fmt.Printf("%s %-36s  %-24s%s%s\n    %s\n", pin, e.Room.ID, e.Room.Title, badge, mute, e.Preview)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "only show rooms whose title contains this term")
	return cmd
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a new room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := cmd.Context()

			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ident, err := backend.CurrentIdentity(ctx)
			if err != nil {
				return err
			}

			dir := directory.New(backend, ident.UID, logger)
			id, err := dir.CreateRoom(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func muteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mute <roomID>",
		Short: "Toggle the mute flag for a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := cmd.Context()

			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ident, err := backend.CurrentIdentity(ctx)
			if err != nil {
				return err
			}

			dir := directory.New(backend, ident.UID, logger)
			muted, err := dir.ToggleMute(ctx, args[0])
			if err != nil {
				return err
			}
			if muted {
				fmt.Println("muted")
			} else {
				fmt.Println("unmuted")
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "send <roomID> [text...]",
		Short: "Send a message, optionally with an image attachment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := cmd.Context()

			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			roomID := args[0]
			text := strings.Join(args[1:], " ")

			title, err := roomTitle(ctx, backend, roomID)
			if err != nil {
				return err
			}

			sess, err := session.Open(ctx, backend, roomID, title, logger, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			imageURL := ""
			if imagePath != "" {
				staged, done, err := sess.Uploads().StageFile(imagePath)
				if err != nil {
					return err
				}
				defer done()
				imageURL, err = sess.Uploads().Upload(ctx, staged, func(pct int) {
					fmt.Printf("\rupload %3d%%", pct)
				})
				fmt.Println()
				if err != nil {
					return err
				}
			}

			id, err := sess.Send(ctx, text, imageURL)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "path of an image to attach (max 5 MiB)")
	return cmd
}

// roomTitle resolves a room's display title; attaching to an unknown room
// is a navigation error that only kills the command.
func roomTitle(ctx context.Context, backend domain.Backend, roomID string) (string, error) {
	doc, ok, err := backend.FetchDoc(ctx, domain.RoomPath(roomID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("room %s not found, run 'chatsync rooms'", roomID)
	}
	return domain.RoomFromDoc(doc).Title, nil
}
