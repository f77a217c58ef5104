package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/secrets"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your botfleet installation",
		Long: `Verifies that botfleet's configuration, databases, master key, and
network endpoints are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Botfleet Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'botfleet init' to create a default configuration.\n")
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

			// 3. Master key usable
			if cfg.Registry.MasterKey == "" && cfg.Registry.MasterKeyFile == "" {
				printWarn("Master key", "not configured, credentials stored in plaintext")
				warned++
			} else if _, err := secrets.LoadKey(cfg.Registry.MasterKey, cfg.Registry.MasterKeyFile); err != nil {
				printFail("Master key", err.Error())
				failed++
			} else {
				printPass("Master key", "usable")
				passed++
			}

			// 4. Registry database writable
			if err := checkDatabase(cfg.Registry.DBPath); err != nil {
				printFail("Registry database", err.Error())
				failed++
			} else {
				printPass("Registry database", cfg.Registry.DBPath)
				passed++
			}

			// 5. Dead-letter sink
			if len(cfg.DeadLetter.Brokers) > 0 {
				broker := cfg.DeadLetter.Brokers[0]
				if err := checkEndpoint(broker); err != nil {
					printWarn("Kafka broker", fmt.Sprintf("%s unreachable: %v", broker, err))
					warned++
				} else {
					printPass("Kafka broker", broker)
					passed++
				}
			} else if err := checkDatabase(cfg.DeadLetter.DBPath); err != nil {
				printFail("Dead-letter database", err.Error())
				failed++
			} else {
				printPass("Dead-letter database", cfg.DeadLetter.DBPath)
				passed++
			}

			// 6. Reasoning service reachable
			if addr, err := hostPort(cfg.Reasoning.BaseURL); err != nil {
				printFail("Reasoning service", err.Error())
				failed++
			} else if err := checkEndpoint(addr); err != nil {
				printWarn("Reasoning service", fmt.Sprintf("%s unreachable: %v", addr, err))
				warned++
			} else {
				printPass("Reasoning service", addr)
				passed++
			}

			// 7. API port available
			if err := checkPort(cfg.API.Port); err != nil {
				printWarn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				warned++
			} else {
				printPass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
				passed++
			}

			// 8. Webhook base URL (required for Telegram bindings)
			if cfg.API.WebhookBaseURL == "" {
				printWarn("Webhook base URL", "not set, telegram connections cannot register webhooks")
				warned++
			} else {
				printPass("Webhook base URL", cfg.API.WebhookBaseURL)
				passed++
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running botfleet.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nBotfleet should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Botfleet is ready to run.\n")
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

// hostPort extracts a dialable host:port from a base URL, filling in the
// scheme's default port when the URL has none.
func hostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", baseURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	if u.Scheme == "https" {
		return u.Host + ":443", nil
	}
	return u.Host + ":80", nil
}

func checkEndpoint(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}
