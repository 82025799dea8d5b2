package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/revulnera/revulnera/internal/api"
	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/database"
	"github.com/revulnera/revulnera/internal/events"
	"github.com/revulnera/revulnera/internal/ingest"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/report"
	"github.com/revulnera/revulnera/internal/scans"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Revulnera coordination server",
	Long: `Start the HTTP server that coordinates reconnaissance scans.

The server exposes:
- Caller endpoints for starting, cancelling and inspecting scans
- Worker ingestion callbacks for streamed findings
- Per-scan websocket event streams
- Aggregated risk reports
- Health checks and Prometheus metrics

Example:
  revulnera serve --port 8080
  revulnera serve --config revulnera.yaml
`,
	RunE: runServe,
}

var (
	serverPort int
	serverHost string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serverHost, "host", "", "Host to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log = log.WithComponent("server")

	log.Infow("Starting Revulnera",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"events_backend", cfg.Events.Backend,
		"worker_base_url", cfg.Worker.BaseURL,
	)

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	sqlStore, ok := store.(*database.Store)
	if !ok {
		return fmt.Errorf("store is not a SQL store")
	}

	log.Infow("Database connected", "driver", cfg.Database.Driver)
	if cfg.Database.Driver == "sqlite3" {
		log.Warnw("Using SQLite database",
			"warning", "SQLite has concurrency limitations",
			"recommendation", "Use PostgreSQL when running multiple workers",
		)
	}

	var bus core.EventBus
	switch cfg.Events.Backend {
	case "redis":
		bus, err = events.NewRedisBus(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	default:
		bus = events.NewMemoryBus(log)
	}
	defer bus.Close()

	authz := core.NewAuthorizer()
	workerClient := scans.NewWorkerClient(cfg.Worker)

	scanSvc := scans.NewService(store, bus, workerClient, authz, cfg.Worker.CallbackBase, log)
	ingestSvc := ingest.NewService(store, bus, log)
	reports := report.NewAggregator(store, authz, log)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := api.NewHandlers(scanSvc, ingestSvc, reports, bus, log)
	router := api.NewRouter(cfg, handlers, sqlStore, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("Received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Errorw("Failed to shutdown gracefully", "error", err)
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		log.Infow("Server shutdown complete")
	}

	return nil
}
