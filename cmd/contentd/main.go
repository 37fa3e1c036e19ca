// Contentd is the content workflow daemon.
//
// It drives content items through the research, generation, translation, and
// review pipeline: workflows persist in Postgres, AI tasks travel over NATS,
// and an admin HTTP server exposes health, metrics, and analytics.
//
// Usage:
//
//	# Start the daemon with defaults
//	contentd
//
//	# Point at a config file
//	contentd -config /etc/contentd/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 DATABASE_HOST=db.internal contentd
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contentd/internal/analytics"
	"github.com/fyrsmithlabs/contentd/internal/config"
	"github.com/fyrsmithlabs/contentd/internal/engine"
	"github.com/fyrsmithlabs/contentd/internal/executor"
	"github.com/fyrsmithlabs/contentd/internal/logging"
	"github.com/fyrsmithlabs/contentd/internal/notify"
	"github.com/fyrsmithlabs/contentd/internal/server"
	"github.com/fyrsmithlabs/contentd/internal/store"
	"github.com/fyrsmithlabs/contentd/internal/workflow"

	_ "github.com/lib/pq"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/contentd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  contentd           Start the contentd daemon\n")
			fmt.Fprintf(os.Stderr, "  contentd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("contentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes every dependency and blocks until ctx is cancelled:
//
//  1. Loads and validates configuration
//  2. Builds the logger
//  3. Connects to Postgres and NATS
//  4. Wires store, executor boundary, notification dispatcher, and engine
//  5. Subscribes the engine to executor results
//  6. Serves the admin HTTP endpoints until shutdown
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting contentd",
		zap.Int("port", cfg.Server.Port),
		zap.String("workflow_type", cfg.Engine.WorkflowType),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	db, err := sql.Open("postgres", cfg.Database.ConnString())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.NATS.Name))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	exec, err := executor.NewNATS(nc, logger)
	if err != nil {
		return fmt.Errorf("create executor boundary: %w", err)
	}
	defer exec.Close()

	dispatcher, err := notify.NewDispatcher(pg, nc, logger)
	if err != nil {
		return fmt.Errorf("create notification dispatcher: %w", err)
	}

	table := workflow.NewTable(workflow.DefaultStages())

	svc, err := engine.NewService(engine.Config{
		WorkflowType:      cfg.Engine.WorkflowType,
		DefaultPriority:   workflow.Priority(cfg.Engine.DefaultPriority),
		MaxRetries:        cfg.Engine.MaxRetries,
		RetryBackoff:      cfg.Engine.RetryBackoff,
		BackoffMultiplier: cfg.Engine.BackoffMultiplier,
		AutoAdvance:       cfg.Engine.AutoAdvance,
	}, table, pg, exec, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if err := exec.ListenResults(ctx, svc.CompleteAIStep); err != nil {
		return fmt.Errorf("subscribe to executor results: %w", err)
	}

	agg, err := analytics.NewAggregator(pg, logger)
	if err != nil {
		return fmt.Errorf("create analytics aggregator: %w", err)
	}

	logger.Info("contentd ready",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("database_host", cfg.Database.Host))

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, agg, logger)

	return srv.Start(ctx)
}
