package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"agentdesk/internal/browser"
	"agentdesk/internal/config"
	"agentdesk/internal/knowledge"
	"agentdesk/internal/store"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add documents to a client's knowledge base",
		Long: `Chunks text into the client's knowledge base. Sources are a local UTF-8
file, a web page (rendered in headless Chrome), or text given inline or on stdin.`,
	}
	cmd.PersistentFlags().StringVar(&clientID, "client", "", "client id that owns the documents (required)")
	cmd.MarkPersistentFlagRequired("client")

	cmd.AddCommand(&cobra.Command{
		Use:   "file [path...]",
		Short: "Ingest local text files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *knowledge.Engine) error {
				for _, path := range args {
					doc, err := e.AddFile(ctx, clientID, path)
					if err != nil {
						return err
					}
					fmt.Printf("added %s (%d chunks) from %s\n", doc.ID, doc.ChunkCount, path)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "url [url...]",
		Short: "Ingest the visible text of web pages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *knowledge.Engine) error {
				for _, u := range args {
					doc, err := e.AddURL(ctx, clientID, u)
					if err != nil {
						return err
					}
					fmt.Printf("added %s %q (%d chunks)\n", doc.ID, doc.Title, doc.ChunkCount)
				}
				return nil
			})
		},
	})

	var title string
	textCmd := &cobra.Command{
		Use:   "text [content]",
		Short: "Ingest inline text, or stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			if len(args) == 1 {
				content = args[0]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(data)
			}
			return withEngine(func(ctx context.Context, e *knowledge.Engine) error {
				doc, err := e.AddText(ctx, clientID, title, content)
				if err != nil {
					return err
				}
				fmt.Printf("added %s (%d chunks)\n", doc.ID, doc.ChunkCount)
				return nil
			})
		},
	}
	textCmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.AddCommand(textCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List a client's documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *knowledge.Engine) error {
				docs, err := e.ListDocuments(ctx, clientID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tSOURCE\tCHUNKS\tCREATED")
				for _, d := range docs {
					source := d.SourceType
					if d.SourceURL != "" {
						source += " " + d.SourceURL
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, truncateTitle(d.Title, 40), source, d.ChunkCount,
						d.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [document-id]",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *knowledge.Engine) error {
				if err := e.DeleteDocument(ctx, clientID, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

// withEngine opens the store and a browser-backed ingestion engine for fn.
func withEngine(fn func(ctx context.Context, e *knowledge.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, newEngine(cfg, st))
}

func newEngine(cfg *config.Config, st *store.SQLiteStore) *knowledge.Engine {
	return knowledge.NewEngine(knowledge.EngineConfig{
		Store: st,
		Fetcher: browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.Scraper.ProfileDir,
			Headless:   cfg.Scraper.Headless,
			Timeout:    time.Duration(cfg.Scraper.TimeoutSeconds) * time.Second,
			Logger:     logger,
		}),
		ChunkSize: cfg.Knowledge.ChunkSize,
		Logger:    logger,
	})
}

func truncateTitle(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [tenants.yaml]",
		Short: "Create or update clients, agents and phone bindings from YAML",
		Long: `Upserts every client, agent and binding in the file. Values may reference
environment variables as ${VAR} or ${VAR:-default}, e.g. per-agent API keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sf, err := store.LoadSeedFile(args[0], config.ExpandEnvVars)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := store.ApplySeed(cmd.Context(), st, sf)
			if err != nil {
				return fmt.Errorf("apply seed: %w", err)
			}
			logger.Info("seed applied", "clients", stats.Clients, "agents", stats.Agents, "bindings", stats.Bindings)
			return nil
		},
	}
}
