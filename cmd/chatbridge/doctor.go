package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbridge/internal/assistant"
	"chatbridge/internal/config"
	"chatbridge/internal/persona"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the chatbridge installation",
		Long: `Verifies that the configuration, persona, backend, and channels are
correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatbridge init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n1 passed, 1 failed\n")
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Persona loads
			pers, err := persona.Load(cfg.Backend.PersonaPath)
			if err != nil {
				printFail("Persona", err.Error())
				failed++
			} else if strings.Contains(pers.AssistantID, "REPLACE_ME") {
				printWarn("Persona", "assistantId is still the placeholder")
				warned++
			} else {
				printPass("Persona", fmt.Sprintf("%s (%s)", pers.Name, pers.AssistantID))
				passed++
			}

			// 4. Backend reachable
			backend := assistant.NewClient(assistant.Config{
				APIKey:  cfg.Backend.APIKey,
				APIBase: cfg.Backend.APIBase,
				Logger:  logger,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := backend.Healthy(ctx); err != nil {
				printFail("Backend", err.Error())
				failed++
			} else {
				printPass("Backend", "reachable")
				passed++
			}

			// 5. Transcript database writable
			if cfg.Transcript.Enabled {
				if err := checkDatabase(cfg.Transcript.DBPath); err != nil {
					printFail("Transcript db", err.Error())
					failed++
				} else {
					printPass("Transcript db", cfg.Transcript.DBPath)
					passed++
				}
			}

			// 6. Channels
			channelCount := 0
			if cfg.Channels.Telegram.Enabled {
				channelCount++
				printPass("Channel: telegram", "configured")
				passed++
			}
			if cfg.Channels.VK.Enabled {
				channelCount++
				if err := checkAddr(cfg.Channels.VK.Addr); err != nil {
					printWarn("Channel: vk", fmt.Sprintf("webhook addr %s may be in use: %v", cfg.Channels.VK.Addr, err))
					warned++
				} else {
					printPass("Channel: vk", fmt.Sprintf("webhook %s%s", cfg.Channels.VK.Addr, cfg.Channels.VK.Path))
					passed++
				}
			}
			if channelCount == 0 {
				printFail("Channels", "no channels enabled")
				failed++
			}

			// 7. Operator notifications
			if cfg.Notify.Enabled {
				printPass("Notify", fmt.Sprintf("operator chat %d", cfg.Notify.ChatID))
				passed++
			} else {
				printWarn("Notify", "disabled; attachment handoffs will not alert anyone")
				warned++
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatbridge.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nchatbridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! chatbridge is ready to run.\n")
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
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
