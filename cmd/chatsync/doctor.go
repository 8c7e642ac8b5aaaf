package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatsync installation",
		Long: `Verifies that chatsync's configuration, data directory, database
and backend connectivity are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatsync Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'chatsync init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Data directory exists
			if cfg.General.DataDir != "" {
				if info, err := os.Stat(cfg.General.DataDir); err != nil {
					printFail("Data dir", fmt.Sprintf("not found: %s", cfg.General.DataDir))
					failed++
				} else if !info.IsDir() {
					printFail("Data dir", fmt.Sprintf("not a directory: %s", cfg.General.DataDir))
					failed++
				} else {
					printPass("Data dir", cfg.General.DataDir)
					passed++
				}
			} else {
				printWarn("Data dir", "not configured")
				warned++
			}

			// 4. Backend mode checks
			switch cfg.Backend.Mode {
			case "remote":
				if err := checkRemote(cfg.Backend.Addr); err != nil {
					printFail("Remote backend", fmt.Sprintf("%s: %v", cfg.Backend.Addr, err))
					failed++
				} else {
					printPass("Remote backend", cfg.Backend.Addr+" reachable")
					passed++
				}
			default:
				dbPath := cfg.Backend.DBPath
				if dbPath == "" {
					dbPath = filepath.Join(config.DefaultConfigDir(), "backend.db")
				}
				if err := checkDatabase(dbPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", dbPath)
					passed++
				}

				if err := checkListen(cfg.Backend.Listen); err != nil {
					printWarn("Serve address", fmt.Sprintf("%s may be in use: %v", cfg.Backend.Listen, err))
					warned++
				} else {
					printPass("Serve address", cfg.Backend.Listen+" available")
					passed++
				}
			}

			// 5. Identity
			if cfg.Identity.UserID == "" {
				printWarn("Identity", "no userId configured (anonymous identity per process)")
				warned++
			} else {
				printPass("Identity", cfg.Identity.UserID)
				passed++
			}

			// 6. Telegram notifier
			if cfg.Notify.Telegram.Enabled {
				if cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.ChatID == 0 {
					printWarn("Telegram", "enabled but token or chatId missing")
					warned++
				} else {
					printPass("Telegram", "configured")
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatsync.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nchatsync should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! chatsync is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func checkRemote(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func printPass(check, detail string) { fmt.Printf("  [PASS] %-20s %s\n", check, detail) }
func printFail(check, detail string) { fmt.Printf("  [FAIL] %-20s %s\n", check, detail) }
func printWarn(check, detail string) { fmt.Printf("  [WARN] %-20s %s\n", check, detail) }
