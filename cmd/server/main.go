package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/resolver"
	"github.com/agenthands/loom/internal/schema"
	"github.com/agenthands/loom/internal/server"
	"github.com/agenthands/loom/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("LOOM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := config.Load(cfgPath)
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

	res := resolver.New(st, resolver.Config{
		InitialConfidence: cfg.Resolver.InitialConfidence,
		ContextBoost:      cfg.Resolver.ContextBoost,
	}, logger)

	srv := server.New(st, res, locks, cfg, logger)
	r := srv.SetupRouter()

	logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
	if err := r.Run(cfg.Server.Addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
