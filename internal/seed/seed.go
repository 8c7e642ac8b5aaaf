// Package seed loads room fixtures from YAML and applies them to a
// backend, for development setups and demos.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"chatsync/internal/domain"

	"gopkg.in/yaml.v3"
)

// Seed is the root of a fixture file.
type Seed struct {
	Rooms []Room `yaml:"rooms"`
}

type Room struct {
	Title    string    `yaml:"title"`
	Pinned   bool      `yaml:"pinned,omitempty"`
	Messages []Message `yaml:"messages,omitempty"`
}

type Message struct {
	Sender string `yaml:"sender"`
	Text   string `yaml:"text,omitempty"`
	Image  string `yaml:"image,omitempty"`
}

// LoadFile parses one fixture file.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, room := range s.Rooms {
		if room.Title == "" {
			return nil, fmt.Errorf("seed file %s: room %d has no title", path, i)
		}
		for j, msg := range room.Messages {
			if msg.Sender == "" {
				return nil, fmt.Errorf("seed file %s: room %q message %d has no sender", path, room.Title, j)
			}
		}
	}
	return &s, nil
}

// Apply creates the seeded rooms and messages through the normal document
// API, so server timestamps and ids are assigned exactly as live writes
// would get them.
func (s *Seed) Apply(ctx context.Context, backend domain.Backend, logger *slog.Logger) error {
	for _, room := range s.Rooms {
		fields := domain.Fields{
			domain.FieldTitle:     room.Title,
			domain.FieldCreatedAt: domain.ServerTimestamp,
		}
		if room.Pinned {
			fields[domain.FieldPinned] = true
		}
		roomID, err := backend.AppendDoc(ctx, domain.RoomsCollection, fields)
		if err != nil {
			return fmt.Errorf("seed room %q: %w", room.Title, err)
		}

		for _, msg := range room.Messages {
			_, err := backend.AppendDoc(ctx, domain.MessagesCollection(roomID),
				domain.NewMessageFields(msg.Sender, msg.Text, msg.Image))
			if err != nil {
				return fmt.Errorf("seed message in %q: %w", room.Title, err)
			}
		}
		logger.Info("seeded room", "room", roomID, "title", room.Title, "messages", len(room.Messages))
	}
	return nil
}
