// Package notify pushes unread-room notifications to Telegram. Muted rooms
// never notify; that is what the mute flag is for.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/directory"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender delivers one notification text. Wraps the bot API so the notifier
// logic stays testable.
type Sender interface {
	Send(text string) error
}

// Notifier polls the room directory and raises a notification whenever an
// unmuted room's unread count grows.
type Notifier struct {
	dir      *directory.Directory
	sender   Sender
	interval time.Duration
	logger   *slog.Logger

	lastUnread map[string]int
}

func New(dir *directory.Directory, sender Sender, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Notifier{
		dir:        dir,
		sender:     sender,
		interval:   interval,
		logger:     logger,
		lastUnread: make(map[string]int),
	}
}

// Run polls until ctx is cancelled. The first poll only primes the
// baseline, so attaching the notifier to a backlog does not flood the chat.
func (n *Notifier) Run(ctx context.Context) error {
	entries, err := n.dir.Load(ctx)
	if err != nil {
		return fmt.Errorf("prime unread baseline: %w", err)
	}
	for _, e := range entries {
		n.lastUnread[e.Room.ID] = e.Unread
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := n.dir.Load(ctx)
			if err != nil {
				n.logger.Warn("directory poll failed", "err", err)
				continue
			}
			n.Check(entries)
		}
	}
}

// Check compares unread counts against the previous poll and notifies per
// grown, unmuted room. Muted rooms still advance the baseline so unmuting
// does not replay stale notifications.
func (n *Notifier) Check(entries []directory.Entry) {
	for _, e := range entries {
		prev := n.lastUnread[e.Room.ID]
		n.lastUnread[e.Room.ID] = e.Unread

		if e.Muted || e.Unread <= prev {
			continue
		}
		text := fmt.Sprintf("%s: %d unread message(s)\n%s", e.Room.Title, e.Unread, e.Preview)
		if err := n.sender.Send(text); err != nil {
			n.logger.Warn("notification failed", "room", e.Room.ID, "err", err)
			// Roll the baseline back so the next poll retries.
			n.lastUnread[e.Room.ID] = prev
		}
	}
}

// TelegramSender wires Sender to the Telegram Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSender(token string, chatID int64, logger *slog.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

func (t *TelegramSender) Send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	_, err := t.bot.Send(msg)
	return err
}
