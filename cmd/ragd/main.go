// Ragd is a multi-tenant retrieval daemon.
//
// It serves scoped similarity search over document chunks and conversation
// transcripts, assembles token-budgeted context blocks and coordinates
// per-tenant embedding migrations over HTTP.
//
// Configuration is loaded from ~/.config/ragd/config.yaml and RAGD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (embedded chromem store)
//	ragd
//
//	# Configure via environment
//	RAGD_SERVER_PORT=9180 RAGD_STORE_BACKEND=postgres ragd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/httpapi"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/migration"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/search"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/store"
	chromemstore "github.com/fyrsmithlabs/ragd/internal/store/chromem"
	"github.com/fyrsmithlabs/ragd/internal/store/postgres"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/ragd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  ragd           Start the ragd daemon\n")
			fmt.Fprintf(os.Stderr, "  ragd version   Show version information\n")
			os.Exit(1)
		}
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("ragd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "ragd"},
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	logger.Info(ctx, "starting ragd",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend))

	// Persistence backend. Both implement store.Store and tenant.ConfigStore
	// for postgres; chromem pairs with the in-memory tenant config store.
	var (
		backend     store.Store
		tenantStore tenant.ConfigStore
	)
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		pg, err := postgres.New(ctx, cfg.Store.Postgres, logger)
		if err != nil {
			return fmt.Errorf("opening postgres store: %w", err)
		}
		backend = pg
		tenantStore = pg
	case config.StoreBackendChromem:
		cs, err := chromemstore.New(cfg.Store.Chromem, logger)
		if err != nil {
			return fmt.Errorf("opening chromem store: %w", err)
		}
		backend = cs
		tenantStore = tenant.NewMemoryConfigStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	defer backend.Close() //nolint:errcheck

	tenants := tenant.NewCache(tenantStore, store.EmbeddingTarget{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})

	factory := embeddings.NewFactory(cfg.Embedding, logger)

	rr, err := reranker.NewReranker(cfg.Rerank, logger)
	if err != nil {
		return fmt.Errorf("creating reranker: %w", err)
	}

	counter, err := assembler.NewTiktokenCounter("")
	if err != nil {
		logger.Warn(ctx, "tiktoken unavailable, using heuristic token counting", zap.Error(err))
	}
	var asm *assembler.Assembler
	if counter != nil {
		asm = assembler.New(counter)
	} else {
		asm = assembler.New(nil)
	}

	engine, err := search.NewEngine(search.Config{
		Chunks:      backend,
		Transcripts: backend,
		Tenants:     tenants,
		Reranker:    rr,
		Assembler:   asm,
		Factory:     factory,
		Logger:      logger,
		Search:      cfg.Search,
		Rerank:      cfg.Rerank,
	})
	if err != nil {
		return fmt.Errorf("creating search engine: %w", err)
	}
	defer engine.Close() //nolint:errcheck

	var sessionStore session.Store
	switch cfg.Session.Backend {
	case config.SessionBackendRedis:
		rs := session.NewRedisStore(cfg.Session.Redis)
		defer rs.Close() //nolint:errcheck
		sessionStore = rs
	default:
		sessionStore = session.NewMemoryStore()
	}
	sessions := session.NewManager(sessionStore, backend, cfg.Session.InactivityWindow(), logger)
	sessions.StartSweeper()
	defer sessions.StopSweeper()

	migrator, err := migration.NewCoordinator(migration.Config{
		Chunks:      backend,
		Transcripts: backend,
		Jobs:        backend,
		Tenants:     tenants,
		Factory:     factory,
		Logger:      logger,
		BatchSize:   cfg.Migration.BatchSize,
		MaxRetries:  cfg.Migration.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("creating migration coordinator: %w", err)
	}

	server, err := httpapi.NewServer(cfg.Server, engine, sessions, migrator, backend, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown failed", zap.Error(err))
	}
	// Stop in-flight migrations at a batch boundary before the store closes.
	migrator.Shutdown()

	logger.Info(ctx, "ragd stopped")
	return nil
}

func printVersion() {
	fmt.Printf("ragd %s\n", version)
	fmt.Printf("  commit: %s\n", gitCommit)
	fmt.Printf("  built:  %s\n", buildDate)
}
