package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/config"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/db"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/engine"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/events"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/ledger"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/migrate"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/notify"
	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bbw",
	Short: "Blackboard course watcher",
	Long: `bbw watches Blackboard course data for changes and pushes notifications.
Each run fetches the configured sources, compares every record against the
local store, and pushes what changed according to the notify policy. The
first productive run sends a single init message instead of the whole
backlog.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BBW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(notifyTestCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var dryRun bool
	var limit int
	var previewOut string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, classify, and notify once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				summary, err := e.Run(ctx, engine.RunOptions{DryRun: dryRun, Limit: limit})
				if err != nil {
					return err
				}
				if dryRun && previewOut != "" {
					data, err := json.MarshalIndent(map[string]any{
						"fetched":    summary.Fetched,
						"candidates": summary.Candidates,
						"limit":      limit,
						"messages":   summary.Previews,
					}, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(previewOut, data, 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote preview to %s\n", previewOut)
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Run %s: %s\n", summary.RunID, summary.Status)
				fmt.Printf("  fetched=%d new=%d updated=%d unchanged=%d\n",
					summary.Fetched, summary.New, summary.Updated, summary.Unchanged)
				fmt.Printf("  notified=%d failed=%d deferred=%d\n",
					summary.Notified, summary.FailedNotify, summary.Deferred)
				for _, fe := range summary.FetchErrors {
					fmt.Printf("  source %s failed: %s\n", fe.Source, fe.Cause)
				}
				for _, p := range summary.Previews {
					fmt.Printf("  would push: %s\n", p.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview without pushing or acknowledging")
	cmd.Flags().IntVar(&limit, "limit", 0, "max pushes this run (overrides config)")
	cmd.Flags().StringVar(&previewOut, "preview-out", "", "write dry-run preview JSON to this file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store counts and the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				counts, err := l.Counts(ctx)
				if err != nil {
					return err
				}
				last, err := l.LastRun(ctx)
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"counts": counts}
					if last.RunID != "" {
						out["last_run"] = last
					}
					return printJSON(out)
				}
				fmt.Printf("Tracked: %d (%d notified)\n", counts.Total, counts.Notified)
				for _, cat := range domain.Categories {
					if n := counts.PerCategory[cat]; n > 0 {
						fmt.Printf("  %s: %d\n", cat, n)
					}
				}
				if last.RunID == "" {
					fmt.Println("Last run: none")
					return nil
				}
				fmt.Printf("Last run: %s at %s (%s, notified %d)\n",
					last.RunID, last.StartedAt, last.Status, last.Notified)
				return nil
			})
		},
	}
	return cmd
}

func recordsCmd() *cobra.Command {
	var f ledger.Filters
	var category string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List tracked records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if category != "" && !domain.Category(category).Valid() {
				return fmt.Errorf("unknown category %q", category)
			}
			f.Category = domain.Category(category)
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				rows, err := l.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Course", "Title", "Due", "Notified"})
				for _, r := range rows {
					course := r.GroupLabel
					if course == "" {
						course = r.GroupID
					}
					notified := "no"
					if r.LastNotifiedStateKey == r.LastStateKey {
						notified = "yes"
					} else if r.LastNotifiedStateKey != "" {
						notified = "stale"
					}
					tw.AppendRow(table.Row{r.Category, course, r.Title, r.DueAt, notified})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.GroupID, "group", "", "course filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				runs, err := l.ListRuns(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Started", "Status", "Fetched", "New", "Updated", "Notified", "Deferred"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.StartedAt, r.Status, r.Fetched, r.New, r.Updated, r.Notified, r.Deferred})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	return cmd
}

func logCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				evts, err := events.List(ctx, l.DB, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Run", "Key", "Payload"})
				for _, e := range evts {
					run := e.RunID
					if len(run) > 8 {
						run = run[:8]
					}
					key := e.IdentityKey
					if len(key) > 12 {
						key = key[:12]
					}
					tw.AppendRow(table.Row{e.TS, e.Type, run, key, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all tracked records as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				rows, err := l.ExportRows(ctx)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Exported %d records to %s\n", len(rows), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func notifyTestCmd() *cobra.Command {
	var title, body, link string
	cmd := &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test push through the configured endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath())
			if err != nil {
				return err
			}
			endpoint := notify.NormalizeEndpoint(cfg.Notify.BarkEndpoint)
			if endpoint == "" {
				return fmt.Errorf("notify.bark_endpoint is not configured")
			}
			b := notify.Bark{
				Endpoint: endpoint,
				Client:   &http.Client{Timeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second},
			}
			if err := b.Notify(cmd.Context(), notify.Message{Title: title, Body: body, Link: link}); err != nil {
				return err
			}
			fmt.Println("Push sent.")
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "Watcher test", "push title")
	cmd.Flags().StringVar(&body, "body", "If you can read this, pushes work.", "push body")
	cmd.Flags().StringVar(&link, "link", "", "push link")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BBW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BBW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{DB: conn, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving watcher API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func configPath() string {
	return filepath.Join(viper.GetString("workspace"), config.FileName)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, ledger.Ledger{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
