// Package upload stages and uploads message attachments: size validation
// before any network activity, collision-resistant storage keys, monotonic
// progress, and a durable URL on completion. The pipeline resolves URLs
// only; sending the message that carries one is the caller's job.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

// MaxSizeBytes caps attachments at 5 MiB, checked client-side before the
// first byte moves.
const MaxSizeBytes = 5 * 1024 * 1024

// ErrTooLarge rejects an oversized attachment. No upload is attempted.
var ErrTooLarge = errors.New("attachment exceeds the 5 MiB limit")

// Staged is an accepted, not-yet-uploaded attachment.
type Staged struct {
	Name string
	Size int64
	r    io.Reader
}

// Pipeline uploads attachments for one room.
type Pipeline struct {
	backend domain.Backend
	roomID  string
	logger  *slog.Logger
	now     func() time.Time
}

func NewPipeline(backend domain.Backend, roomID string, logger *slog.Logger) *Pipeline {
	return &Pipeline{backend: backend, roomID: roomID, logger: logger, now: time.Now}
}

// Stage validates a local file for upload. Violations surface here,
// synchronously, with zero backend calls made.
func (p *Pipeline) Stage(name string, size int64, r io.Reader) (*Staged, error) {
	if size > MaxSizeBytes {
		metrics.UploadRejects.Inc()
		return nil, fmt.Errorf("%s is %d bytes: %w", name, size, ErrTooLarge)
	}
	if size < 0 {
		return nil, fmt.Errorf("%s: unknown size", name)
	}
	return &Staged{Name: name, Size: size, r: r}, nil
}

// StageFile stages a file from disk.
func (p *Pipeline) StageFile(path string) (*Staged, func() error, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat attachment: %w", err)
	}
	// Size check precedes the open so rejection truly does no I/O on the
	// content.
	if info.Size() > MaxSizeBytes {
		metrics.UploadRejects.Inc()
		return nil, nil, fmt.Errorf("%s is %d bytes: %w", filepath.Base(path), info.Size(), ErrTooLarge)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	staged, err := p.Stage(filepath.Base(path), info.Size(), f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return staged, f.Close, nil
}

// Upload streams the staged file to the object store and resolves its
// durable URL. Progress is reported monotonically from 0 to 100. Any
// failure is terminal: there is no partial resume, a retry restarts the
// whole upload.
func (p *Pipeline) Upload(ctx context.Context, staged *Staged, progress func(pct int)) (string, error) {
	metrics.UploadsTotal.Inc()
	key := p.storageKey(staged.Name)

	url, err := p.backend.UploadObject(ctx, key, staged.r, staged.Size, monotonic(progress))
	if err != nil {
		p.logger.Warn("attachment upload failed", "room", p.roomID, "key", key, "err", err)
		return "", fmt.Errorf("upload %s: %w", staged.Name, err)
	}
	metrics.UploadBytes.Add(staged.Size)
	p.logger.Info("attachment uploaded", "room", p.roomID, "key", key, "bytes", staged.Size)
	return url, nil
}

// storageKey prefixes the original name with the current epoch millis so
// repeated uploads of the same file never collide.
func (p *Pipeline) storageKey(name string) string {
	return fmt.Sprintf("chatrooms/%s/images/%d-%s", p.roomID, p.now().UnixMilli(), sanitizeName(name))
}

// monotonic clamps progress callbacks to the 0-100 range and swallows
// regressions so observers always see a non-decreasing sequence.
func monotonic(progress func(pct int)) func(pct int) {
	if progress == nil {
		return nil
	}
	last := -1
	return func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct <= last {
			return
		}
		last = pct
		progress(pct)
	}
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// SetClock overrides the key prefix clock. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }
