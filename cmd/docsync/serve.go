package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/emulator"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "backend",
	Short:   "Run an in-memory backend for local development",
	Long: `Start a local backend that serves the listen and write streams and the
commit and batchGet RPCs from an in-memory store. Data is lost on exit.

Example usage:
  docsync serve                          # Listen on the configured port (8080)
  docsync serve --port 9000              # Listen on a custom port
  docsync serve --auth-secret s3cret     # Require HS256 bearer tokens

Endpoints:
  ws://localhost:8080/v1/listen
  ws://localhost:8080/v1/write
  http://localhost:8080/health

Mint a token for a secured backend with 'docsync token'.`,
	Run: func(cmd *cobra.Command, args []string) {
		port := cfg.Emulator.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		secret := cfg.Emulator.AuthSecret
		if cmd.Flags().Changed("auth-secret") {
			secret, _ = cmd.Flags().GetString("auth-secret")
		}

		var logger *log.Logger
		if cfg.Log.File != "" {
			logger = logging.New("emulator")
		} else {
			logger = log.New(os.Stderr, "[emulator] ", log.LstdFlags)
		}

		server := emulator.NewServer(&emulator.Config{
			Port:       port,
			Database:   model.NewDatabaseID(cfg.Project, cfg.Database),
			AuthSecret: []byte(secret),
			Logger:     logger,
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start backend: %v", err)
		}

		addr := server.Addr()
		fmt.Printf("%s Backend serving %s/%s on %s\n", ui.RenderPass("✓"), cfg.Project, cfg.Database, addr)
		fmt.Printf("   Listen stream: ws://%s/v1/listen\n", addr)
		fmt.Printf("   Write stream:  ws://%s/v1/write\n", addr)
		fmt.Printf("   Health check:  http://%s/health\n", addr)
		if secret != "" {
			fmt.Printf("   Auth: bearer tokens signed with the configured secret\n")
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down backend...")
		if err := server.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
		fmt.Printf("Backend stopped (%d documents discarded)\n", server.Store().Count())
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("auth-secret", "", "Require bearer tokens signed with this HS256 secret")
	rootCmd.AddCommand(serveCmd)
}
