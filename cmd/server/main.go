/*
main.go - Application entry point

PURPOSE:
  Starts the planner for one user: loads configuration, opens the configured
  backend, hydrates the mirrored window and serves the function catalog over
  HTTP (with MCP mounted at /mcp) or over MCP stdio.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (file, .env, CALM_ environment)
  3. Open the backend and the history journal
  4. Hydrate the window around now and start the sync worker
  5. Serve HTTP (or MCP stdio) with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (default: ./calm.yaml, then <data dir>/calm.yaml)
  -addr    HTTP listen address, overrides http.addr
  -mcp     Serve MCP over stdio instead of HTTP

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM (or stdin closing in -mcp mode):
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sync worker and flush pending writes
  4. Close the backend
  5. Exit

EXAMPLES:
  # Offline, data under the per-OS config dir
  ./server

  # Against Supabase / PostgreSQL
  CALM_MODE=postgres CALM_POSTGRES_DSN=postgres://... CALM_USER_ID=6f1c... ./server

  # As an MCP tool server for an assistant
  ./server -mcp

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - mcpserver/server.go: MCP tools
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/warp/calm-planner/api"
	"github.com/warp/calm-planner/config"
	"github.com/warp/calm-planner/mcpserver"
)

var version = "dev"

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	addr := flag.String("addr", "", "HTTP listen address (overrides http.addr)")
	stdio := flag.Bool("mcp", false, "Serve MCP over stdio instead of HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize planner: %v", err)
	}
	defer a.Close()

	// Offline start is fine: the worker retries and the mirror stays usable
	if err := a.sync.HydrateAround(ctx, time.Now()); err != nil {
		log.Printf("Warning: initial hydration failed: %v", err)
	}
	a.sync.Start(ctx)
	defer a.shutdownSync()

	tools := mcpserver.New(a.registry, "calm-planner", version)

	if *stdio {
		if err := tools.ServeStdio(); err != nil {
			log.Printf("MCP server stopped: %v", err)
		}
		return
	}

	router := api.NewRouter(&api.Handler{Service: a.service, Registry: a.registry})
	router.Mount("/mcp", tools.HTTPHandler())

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Planner for %s starting on http://%s", cfg.UserID, cfg.HTTP.Addr)
		log.Printf("📅 API available at http://%s/api, MCP at http://%s/mcp", cfg.HTTP.Addr, cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// shutdownSync stops the worker and pushes what is still pending.
func (a *app) shutdownSync() {
	a.sync.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Sync.FlushTimeout)
	defer cancel()
	if err := a.sync.FlushAll(ctx); err != nil {
		log.Printf("Warning: %d writes not synced before exit: %v", a.sync.Dirty().Len(), err)
	}
}
