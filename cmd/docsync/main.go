package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/ui"
)

var (
	loader = config.NewLoader()
	cfg    *config.Config

	configPath string
	envFile    string
	outFormat  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Local-first document database client",
	Long: `docsync reads and writes documents through a local cache that survives
restarts and keeps working offline. Writes are applied locally at once and
sent to the backend when it is reachable.

Run a local backend with 'docsync serve', then point other commands at it:
  docsync serve --port 8080
  docsync --emulator localhost:8080 set users/alice '{"name":"Alice"}'
  docsync --emulator localhost:8080 query users --where 'age >= 18'`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor)
		switch outFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", outFormat)
		}

		if emu, _ := cmd.Flags().GetString("emulator"); emu != "" {
			loader.Set("host", emu)
			loader.Set("ssl", false)
		}
		loaded, err := loader.Load(configPath, envFile)
		if err != nil {
			return err
		}
		cfg = loaded

		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		return logging.Setup(logging.Options{
			Level:      level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "docs", Title: "Document Commands:"},
		&cobra.Group{ID: "backend", Title: "Backend Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: ./docsync.yaml or the user config dir)")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file loaded before the config")
	flags.StringVarP(&outFormat, "format", "o", "text", "Output format: text, json or yaml")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.String("emulator", "", "Talk to a local backend at host:port without TLS")
	flags.String("cache", "", "Path of the SQLite cache")
	flags.String("backend", "", "Cache backend: sqlite or memory")
	flags.String("project", "", "Project id")
	flags.String("database", "", "Database id")
	flags.String("auth-token", "", "Bearer token (JWT) sent with every request")
	flags.String("log-file", "", "Write logs to a rotating file instead of stderr")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	for key, name := range map[string]string{
		"persistence.path":    "cache",
		"persistence.backend": "backend",
		"project":             "project",
		"database":            "database",
		"auth_token":          "auth-token",
		"log.file":            "log-file",
		"log.level":           "log-level",
	} {
		if err := loader.BindFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// openClient starts a client for the loaded configuration.
func openClient(ctx context.Context) (*client.Client, error) {
	c, err := client.New(ctx, cfg, client.WithLogger(logging.New("client")))
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return c, nil
}

// closeClient waits briefly for pending writes so one-shot commands reach
// the backend before exiting. Writes that do not make it stay in the cache.
func closeClient(c *client.Client, wait time.Duration) {
	if wait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		if err := c.WaitForPendingWrites(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Writes not yet acknowledged; they stay queued in the cache\n", ui.RenderWarn("⚠"))
		}
		cancel()
	}
	if err := c.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing client: %v\n", err)
	}
}

// commandContext is cancelled by Ctrl+C.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	_ = logging.Close()
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
