package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/internal/session"

	"github.com/spf13/cobra"
)

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <roomID>",
		Short: "Attach to a room: live transcript, receipts, typing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			roomID := args[0]
			title, err := roomTitle(ctx, backend, roomID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			render := func(lines []string) {
				_, _ = fmt.Fprintln(out, "\r\033[K")
				_, _ = fmt.Fprintf(out, "=== %s ===\n", title)
				for _, l := range lines {
					_, _ = fmt.Fprintln(out, l)
				}
				_, _ = fmt.Fprint(out, "You> ")
			}

			sess, err := session.Open(ctx, backend, roomID, title, logger, render)
			if err != nil {
				return err
			}
			defer sess.Close()

			// An attached terminal starts with focus, so visible
			// messages pick up seen receipts immediately.
			sess.Focus(ctx)

			_, _ = fmt.Fprintln(out, "Attached. Type to send. /blur, /focus, /image <path> [caption], /quit.")
			return inputLoop(ctx, sess, out)
		},
	}
}

// inputLoop runs the room REPL and blocks until quit, EOF or cancel.
func inputLoop(ctx context.Context, sess *session.Session, out io.Writer) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			_, _ = fmt.Fprint(out, "You> ")
			continue
		case line == "/quit" || line == "/exit" || line == "/q":
			return nil
		case line == "/blur":
			sess.Blur()
			_, _ = fmt.Fprint(out, "(blurred) You> ")
			continue
		case line == "/focus":
			sess.Focus(ctx)
			_, _ = fmt.Fprint(out, "You> ")
			continue
		case strings.HasPrefix(line, "/image "):
			if err := sendImage(ctx, sess, out, strings.TrimPrefix(line, "/image ")); err != nil {
				_, _ = fmt.Fprintf(out, "image: %v\nYou> ", err)
			}
			continue
		}

		sess.Keystroke()
		if _, err := sess.Send(ctx, line, ""); err != nil {
			_, _ = fmt.Fprintf(out, "send: %v\nYou> ", err)
		}
	}
}

func sendImage(ctx context.Context, sess *session.Session, out io.Writer, rest string) error {
	path, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
	staged, done, err := sess.Uploads().StageFile(path)
	if err != nil {
		return err
	}
	defer done()

	url, err := sess.Uploads().Upload(ctx, staged, func(pct int) {
		_, _ = fmt.Fprintf(out, "\rupload %3d%%", pct)
	})
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return err
	}
	_, err = sess.Send(ctx, strings.TrimSpace(caption), url)
	return err
}
