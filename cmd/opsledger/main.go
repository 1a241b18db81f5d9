// Package main is the CLI entry point for opsledger — the tamper-evident
// audit chain behind a VM-provisioning operations dashboard.
//
// Every security-relevant action (logins, resource mutations, executions)
// becomes an entry in an append-only, hash-chained ledger. Each entry's
// hash covers a canonical encoding of its fields plus the previous entry's
// hash, so altering, reordering, or deleting any persisted entry is
// detectable after the fact.
//
// Architecture overview:
//
//	application --> POST /api/events --> Appender --> SQLite chain store
//	                                        |
//	                                        +-- live feed (WebSocket)
//	operator  ----> verify / export / query (CLI or REST)
//
// CLI commands (cobra):
//
//	opsledger serve    - Run the dashboard/API server
//	opsledger append   - Append a single audit event
//	opsledger tail     - Show recent entries
//	opsledger query    - Query entries with filters
//	opsledger verify   - Verify hash chain integrity (live store or export file)
//	opsledger export   - Export the chain (jsonl, json, csv)
//	opsledger status   - Show chain status
//	opsledger config   - View/generate configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsledger/opsledger/internal/config"
	"github.com/opsledger/opsledger/internal/dashboard"
	"github.com/opsledger/opsledger/internal/ledger"
	"github.com/opsledger/opsledger/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.opsledger/ where all runtime
// state lives: config.yaml and the chain database.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsledger"
	}
	return filepath.Join(home, ".opsledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the opsledger config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "opsledger",
	Short: "opsledger — tamper-evident audit chain",
	Long: `opsledger records security-relevant actions in an append-only,
hash-chained audit ledger. Each entry's hash depends on the previous
entry's hash, so any alteration, reordering, or deletion of persisted
entries is cryptographically detectable.

Run 'opsledger serve' to start the dashboard and ingestion API, or use
the append/tail/query/verify/export subcommands directly against the
chain database.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to opsledger config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("opsledger %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

// loadConfig reads config.yaml from the config directory and resolves the
// chain database path.
func loadConfig() (*config.Config, string, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, "", err
	}
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = filepath.Join(configDir, "ledger.db")
	}
	return cfg, dbPath, nil
}

// openChain opens the chain store and builds its appender from config.
func openChain(cfg *config.Config, dbPath string) (*store.SQLite, *ledger.Appender, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating state directory: %w", err)
	}
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, err
	}
	appender := ledger.NewAppender(st, ledger.AppenderOptions{
		Algorithm:  ledger.Algorithm(cfg.Chain.Algorithm),
		MaxRetries: cfg.Chain.MaxAppendRetries,
	})
	return st, appender, nil
}

// setupLogging configures the global slog logger from the config level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// ============================================================================
// opsledger serve — Run the dashboard and ingestion API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the opsledger dashboard and ingestion API",
	Long: `Start the opsledger server. The server exposes the append ingestion
endpoint (POST /api/events), the verification and export API, and the
web dashboard with a live feed of appended entries.

Binds to the address configured in ~/.opsledger/config.yaml
(default: 127.0.0.1:3900).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, dbPath, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// The config directory must exist before the watcher attaches to it,
	// even when the database lives elsewhere.
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// The notify hook is bound through a closure so the appender and the
	// dashboard, which reference each other, can be built in sequence.
	var dash *dashboard.Dashboard
	appender := ledger.NewAppender(st, ledger.AppenderOptions{
		Algorithm:  ledger.Algorithm(cfg.Chain.Algorithm),
		MaxRetries: cfg.Chain.MaxAppendRetries,
		Notify:     func(e ledger.Entry) { dash.BroadcastEntry(e) },
	})
	dash = dashboard.New(dashboard.Options{
		Appender: appender,
		Backend:  st,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: dash.Handler(),
	}

	// Record server lifecycle in the chain itself — operators care when
	// the audit surface was up.
	startEvent := ledger.Event{
		Action:       ledger.ActionExecute,
		ResourceType: "ledger",
		ResourceName: strPtr("serve"),
		Payload:      map[string]any{"event": "start", "version": version},
	}
	if _, err := appender.Append(context.Background(), startEvent); err != nil {
		return fmt.Errorf("recording server start: %w", err)
	}

	// Hot-reload the log level when config.yaml changes. Chain parameters
	// are deliberately not reloadable: the hash algorithm is protocol.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			reloaded, err := config.Load(filepath.Join(configDir, "config.yaml"))
			if err != nil {
				slog.Error("config reload failed", "error", err)
				return
			}
			setupLogging(reloaded.Log.Level)
			slog.Info("config reloaded", "log_level", reloaded.Log.Level)
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("opsledger listening", "addr", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[opsledger] Dashboard at http://%s/\n", addr)
		}
		fmt.Println("[opsledger] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[opsledger] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[opsledger] Shutdown error: %v\n", err)
	}

	stopEvent := ledger.Event{
		Action:       ledger.ActionExecute,
		ResourceType: "ledger",
		ResourceName: strPtr("serve"),
		Payload:      map[string]any{"event": "stop"},
	}
	if _, err := appender.Append(context.Background(), stopEvent); err != nil {
		fmt.Fprintf(os.Stderr, "[opsledger] Warning: failed to record shutdown: %v\n", err)
	}

	fmt.Println("[opsledger] Stopped")
	return nil
}

// ============================================================================
// opsledger append — Append a single audit event
// ============================================================================

var (
	appendActor        string
	appendAction       string
	appendResourceType string
	appendResourceID   string
	appendResourceName string
	appendSource       string
	appendPayload      string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an audit event to the chain",
	Long: `Append a single audit event. The sequencer assigns the sequence
number and timestamp; the caller supplies the rest.

Examples:
  opsledger append --action LOGIN --resource-type session --actor alice --source 10.0.0.5
  opsledger append --action CREATE --resource-type vm --resource-name web01 \
      --actor alice --payload '{"cpus": 4, "memory_mb": 8192}'
  echo '{"cpus": 4}' | opsledger append --action CREATE --resource-type vm --payload -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		st, appender, err := openChain(cfg, dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		ev := ledger.Event{
			Action:        ledger.Action(appendAction),
			ResourceType:  appendResourceType,
			Actor:         optFlag(appendActor),
			ResourceID:    optFlag(appendResourceID),
			ResourceName:  optFlag(appendResourceName),
			SourceAddress: optFlag(appendSource),
		}
		if appendPayload != "" {
			raw := []byte(appendPayload)
			if appendPayload == "-" {
				raw, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading payload from stdin: %w", err)
				}
			}
			payload, err := ledger.ParsePayload(raw)
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			ev.Payload = payload
		}

		entry, err := appender.Append(cmd.Context(), ev)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "Acting subject (omit for system events)")
	appendCmd.Flags().StringVar(&appendAction, "action", "", "Action kind: CREATE, UPDATE, DELETE, EXECUTE, LOGIN, LOGOUT")
	appendCmd.Flags().StringVar(&appendResourceType, "resource-type", "", "Type of the acted-upon resource (required)")
	appendCmd.Flags().StringVar(&appendResourceID, "resource-id", "", "Resource identifier")
	appendCmd.Flags().StringVar(&appendResourceName, "resource-name", "", "Resource display name")
	appendCmd.Flags().StringVar(&appendSource, "source", "", "Network origin of the actor")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "Action detail as JSON object, or - to read from stdin")
}

// ============================================================================
// opsledger tail — Show recent entries
// ============================================================================

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		st, _, err := openChain(cfg, dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.Query(cmd.Context(), store.QueryParams{Limit: tailLimit})
		if err != nil {
			return fmt.Errorf("reading entries: %w", err)
		}

		// Query returns newest first; print oldest first like tail(1).
		for i := len(entries) - 1; i >= 0; i-- {
			printEntry(entries[i])
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// opsledger query — Query entries with filters
// ============================================================================

var (
	queryActor    string
	queryAction   string
	queryResource string
	querySince    string
	queryLimit    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit chain with filters. Supports filtering by actor,
action kind, time range, and a glob pattern over resource type and name.

Examples:
  opsledger query --actor alice --action DELETE --since 24h
  opsledger query --resource 'vm*' --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		st, _, err := openChain(cfg, dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		params := store.QueryParams{
			Actor:    queryActor,
			Action:   queryAction,
			Resource: queryResource,
			Limit:    queryLimit,
		}
		if querySince != "" {
			dur, err := time.ParseDuration(querySince)
			if err != nil {
				return fmt.Errorf("invalid since duration %q: %w", querySince, err)
			}
			params.Since = dur
		}

		entries, err := st.Query(cmd.Context(), params)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor (exact match)")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "Filter by action kind (CREATE, LOGIN, ...)")
	queryCmd.Flags().StringVar(&queryResource, "resource", "", "Glob over resource type/name (e.g. 'vm*')")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show entries since duration (e.g. 1h, 24h)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

// ============================================================================
// opsledger verify — Verify hash chain integrity
// ============================================================================

var (
	verifyFrom  uint64
	verifyTo    uint64
	verifyInput string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the audit chain. Every entry's hash is
recomputed from its stored fields and checked against the stored value,
and every prev_hash link is checked against the predecessor.

All problems in the requested range are reported — gaps, broken links,
and content tampering — not just the first one. Any finding is a
security incident: the chain records evidence, it cannot repair it.

With --input, verifies a jsonl export file offline instead of the live
chain database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		algo := ledger.Algorithm(cfg.Chain.Algorithm)

		var report *ledger.Report
		if verifyInput != "" {
			f, err := os.Open(verifyInput)
			if err != nil {
				return fmt.Errorf("opening export file: %w", err)
			}
			defer f.Close()
			report, err = ledger.VerifyReader(algo, f)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", verifyInput, err)
			}
		} else {
			st, _, err := openChain(cfg, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			report, err = ledger.Verify(cmd.Context(), st, algo, verifyFrom, verifyTo)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
		}

		if report.Valid {
			fmt.Printf("[opsledger] Chain VALID (%d entries verified, range %d-%d)\n",
				report.EntriesChecked, report.From, report.To)
			return nil
		}

		fmt.Printf("[opsledger] Chain BROKEN: %d finding(s) in range %d-%d\n",
			len(report.Findings), report.From, report.To)
		for _, f := range report.Findings {
			fmt.Printf("  %-15s seq %-8d %s\n", f.Kind, f.Seq, f.Detail)
		}
		return errors.New("audit chain integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence to verify (default: 1)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence to verify (default: chain tail)")
	verifyCmd.Flags().StringVar(&verifyInput, "input", "", "Verify a jsonl export file instead of the live chain")
}

// ============================================================================
// opsledger export — Export the chain
// ============================================================================

var (
	exportFormat string
	exportFrom   uint64
	exportTo     uint64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries",
	Long: `Export a range of the audit chain to stdout. Every field is exported
exactly as stored, including prev_hash and hash, so a jsonl export can be
independently re-verified offline with 'opsledger verify --input'.

Example:
  opsledger export --format csv > audit_export.csv
  opsledger export --format jsonl --from 100 --to 200 > window.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		st, _, err := openChain(cfg, dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		return ledger.Export(cmd.Context(), st, exportFrom, exportTo, exportFormat, os.Stdout)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "First sequence to export (default: 1)")
	exportCmd.Flags().Uint64Var(&exportTo, "to", 0, "Last sequence to export (default: chain tail)")
}

// ============================================================================
// opsledger status — Show chain status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dbPath, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		st, appender, err := openChain(cfg, dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		seq, hash, err := appender.Tail(cmd.Context())
		if err != nil {
			return err
		}
		count, err := st.Count(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database:   %s\n", dbPath)
		fmt.Printf("Algorithm:  %s\n", cfg.Chain.Algorithm)
		fmt.Printf("Entries:    %d\n", count)
		fmt.Printf("Tail seq:   %d\n", seq)
		fmt.Printf("Tail hash:  %s\n", hash)
		if count != seq {
			fmt.Printf("WARNING: entry count %d != tail sequence %d — run 'opsledger verify'\n", count, seq)
		}
		return nil
	},
}

// ============================================================================
// opsledger config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the opsledger configuration. The config file lives at
~/.opsledger/config.yaml and defines the server bind address, the chain
database location, the chain hash algorithm, and the log level.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults in effect)\n", path)
				fmt.Println("Run 'opsledger config generate' to create one.")
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printEntry formats and prints a single audit entry to stdout.
func printEntry(e ledger.Entry) {
	actor := "-"
	if e.Actor != nil {
		actor = *e.Actor
	}
	res := e.ResourceType
	if e.ResourceName != nil {
		res += "/" + *e.ResourceName
	}
	fmt.Printf("#%-6d [%s] actor=%-12s action=%-8s resource=%s\n",
		e.Seq, e.Timestamp.Format(time.RFC3339), actor, e.Action, res)
}

func optFlag(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strPtr(s string) *string { return &s }
