// The consolidate command runs one consolidation cycle and exits. Pass
// -run with the id of an interrupted run to resume it; the manifest skips
// every unit already marked complete.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/consolidate"
	"github.com/agenthands/loom/internal/llm"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/manifest"
	"github.com/agenthands/loom/internal/propagate"
	"github.com/agenthands/loom/internal/schema"
	"github.com/agenthands/loom/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "config/config.toml", "path to config.toml")
		runID   = flag.String("run", "", "run id to resume; empty starts a new run")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if os.Getenv("LOOM_DEV") != "" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := schema.Load(cfg.Storage.SchemaPath)
	if err != nil {
		logger.Fatal("failed to load schema catalog", zap.Error(err))
	}

	st, err := store.Open(cfg.Storage.GraphDB, registry, store.FuzzyConfig{
		MinScore:      cfg.Fuzzy.MinScore,
		MaxCandidates: cfg.Fuzzy.MaxCandidates,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open graph store", zap.Error(err))
	}
	defer st.Close()

	locks, err := lock.NewCoordinator(cfg.Storage.LockDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize lock coordinator", zap.Error(err))
	}

	tracker, err := manifest.Open(cfg.Storage.ManifestPath)
	if err != nil {
		if errors.Is(err, manifest.ErrCorrupt) {
			logger.Fatal("manifest is corrupt; move it aside before retrying", zap.Error(err))
		}
		logger.Fatal("failed to open manifest", zap.Error(err))
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		logger.Fatal("failed to initialize oracle client", zap.Error(err))
	}
	oracle := consolidate.NewLLMOracle(client, cfg, logger)

	var docs propagate.DocumentStore = propagate.NoopDocumentStore{}
	if cfg.Propagate.DocumentStoreURL != "" {
		docs = propagate.NewHTTPDocumentStore(cfg.Propagate.DocumentStoreURL, logger)
	}
	var vectors propagate.VectorStore = propagate.NoopVectorStore{}
	if cfg.Propagate.VectorStoreURL != "" {
		vectors = propagate.NewHTTPVectorStore(cfg.Propagate.VectorStoreURL, logger)
	}

	engine := consolidate.NewEngine(st, oracle, locks, tracker, docs, vectors, cfg, logger)

	report, err := engine.RunCycle(ctx, *runID)
	if err != nil {
		logger.Fatal("cycle failed", zap.Error(err))
	}
	logger.Info("cycle complete",
		zap.String("run_id", report.RunID),
		zap.Int("candidates", report.Candidates),
		zap.Int("judged", report.Judged),
		zap.Int("skipped", report.Skipped),
		zap.Any("applied", report.Applied),
		zap.Int("resynced", report.Resynced))
}
