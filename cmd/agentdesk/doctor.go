package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"agentdesk/internal/config"
	"agentdesk/internal/provider"
	"agentdesk/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your agentdesk installation",
		Long: `Verifies that the configuration, database, completion and speech
providers and the public webhook settings are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("agentdesk doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s (defaults in use)", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				fail("Config load", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config could not be loaded")
			}
			if err := config.Validate(cfg); err != nil {
				fail("Config validation", err.Error())
			} else {
				pass("Config validation", "valid")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			// 2. Database, schema and tenants
			schema, clients, err := checkDatabase(ctx, cfg.Store.DBPath)
			switch {
			case err != nil:
				fail("Database", err.Error())
			case clients == 0:
				pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, schema))
				warn("Clients", "none configured; run 'agentdesk seed tenants.yaml'")
			default:
				pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, schema))
				pass("Clients", fmt.Sprintf("%d configured", clients))
			}

			// 3. Listener
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			// 4. Completion provider
			switch {
			case cfg.Completion.APIKey == "":
				warn("Completion", "no default API key; every agent must carry its own")
			case offline:
				pass("Completion", "default API key configured")
			default:
				llm := provider.NewCompletionFromConfig(cfg.Completion, logger)
				if err := llm.Healthy(ctx, cfg.Completion.APIKey); err != nil {
					fail("Completion", err.Error())
				} else {
					pass("Completion", fmt.Sprintf("%s reachable", cfg.Completion.Model))
				}
			}

			// 5. Speech
			if synth, err := provider.NewSynthesizerFromConfig(cfg.Speech, logger); err != nil {
				fail("Speech", err.Error())
			} else if synth == nil {
				warn("Speech", "disabled; calls use the telephony voice")
			} else {
				pass("Speech", cfg.Speech.Provider)
			}

			// 6. Telephony
			if cfg.Server.PublicURL == "" {
				warn("Public URL", "not set; webhook URLs are derived from request headers")
			} else {
				pass("Public URL", cfg.Server.PublicURL+cfg.Voice.WebhookPath)
			}
			if cfg.Voice.AuthToken == "" {
				warn("Webhook signature", "no auth token; requests are not verified")
			} else {
				pass("Webhook signature", "enabled")
			}

			// 7. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running agentdesk.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nagentdesk should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! agentdesk is ready to serve.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the live completion API check")
	return cmd
}

// checkDatabase opens (and migrates) the database and reports its schema
// version and client count.
func checkDatabase(ctx context.Context, dbPath string) (schema, clients int, err error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return 0, 0, err
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return 0, 0, fmt.Errorf("cannot ping: %w", err)
	}
	if schema, err = store.GetSchemaVersion(st.DB()); err != nil {
		return 0, 0, fmt.Errorf("schema version: %w", err)
	}
	list, err := st.ListClients(ctx)
	if err != nil {
		return 0, 0, err
	}
	return schema, len(list), nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
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
