package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/community"
	"github.com/agenthands/loom/internal/core/conflict"
	"github.com/agenthands/loom/internal/core/normalize"
	"github.com/agenthands/loom/internal/core/pipeline"
	"github.com/agenthands/loom/internal/core/query"
	"github.com/agenthands/loom/internal/core/relation"
	"github.com/agenthands/loom/internal/core/resolve"
	"github.com/agenthands/loom/internal/driver"
	"github.com/agenthands/loom/internal/ingest"
	"github.com/agenthands/loom/internal/llm"
	"github.com/agenthands/loom/internal/metrics"
	"github.com/agenthands/loom/internal/server"
	"github.com/agenthands/loom/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("Could not load %s: %v. Using defaults", cfgPath, err)
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kstore, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer kstore.Close()
	checkpoints, ok := kstore.(store.CheckpointStore)
	if !ok {
		logger.Fatal("store backend does not track checkpoints")
	}

	entities := resolve.NewResolver(kstore, cfg.Resolver.SimilarityThreshold, cfg.Resolver.PromoteThreshold)
	conflicts := conflict.NewResolver(kstore, entities, cfg.Relations.Exclusive, cfg.Relations.Acyclic, logger)
	normalizer := normalize.NewNormalizer(cfg.Normalize)
	validator := relation.NewValidator(kstore, cfg.Relations)

	var strategies []relation.Strategy
	for _, name := range cfg.Relations.Strategies {
		switch name {
		case "pattern":
			strategies = append(strategies, relation.NewPatternStrategy())
		case "model":
			client, err := llm.NewClient(cfg.LLM)
			if err != nil {
				logger.Fatal("failed to initialize llm client", zap.Error(err))
			}
			strategies = append(strategies, relation.NewModelStrategy(client))
		}
	}

	var mirror pipeline.Mirror
	var communityMirror community.Mirror
	if cfg.Mirror.Enabled {
		m, err := driver.NewMemgraphMirror(cfg.Mirror.URI, cfg.Mirror.User, cfg.Mirror.Password, logger)
		if err != nil {
			logger.Fatal("failed to connect mirror", zap.Error(err))
		}
		defer m.Close(context.Background())
		mirror = m
		communityMirror = m
	}

	mets := metrics.New()
	pipe := pipeline.New(pipeline.Options{
		Normalizer: normalizer,
		Strategies: strategies,
		Validator:  validator,
		Conflicts:  conflicts,
		Entities:   entities,
		Store:      kstore,
		Checkpoint: checkpoints,
		Metrics:    mets,
		Mirror:     mirror,
		Config:     cfg.Pipeline,
		Logger:     logger,
	})
	communities := community.NewEngine(kstore, cfg.Clustering, logger)
	communities.Mirror = communityMirror
	queries := query.NewEngine(kstore)

	go func() {
		if err := pipe.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("pipeline stopped", zap.Error(err))
		}
	}()
	go communities.Start(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		tables := make([]string, 0, len(cfg.Normalize.Tables))
		for _, t := range cfg.Normalize.Tables {
			tables = append(tables, t.Table)
		}
		saved, err := checkpoints.All(ctx)
		if err != nil {
			logger.Fatal("failed to load checkpoints", zap.Error(err))
		}
		source, err := ingest.NewKafkaSource(cfg.Kafka, tables, saved, logger)
		if err != nil {
			logger.Fatal("failed to open kafka source", zap.Error(err))
		}
		defer source.Close()

		go func() {
			if err := pipe.Run(ctx, source); err != nil && ctx.Err() == nil {
				logger.Error("ingestion stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("no kafka brokers configured, running API only")
	}

	srv := server.NewServer(pipe, queries, communities, kstore, mets, logger)
	r := srv.SetupRouter()

	logger.Info("starting server", zap.Int("port", cfg.Server.Port))
	if err := r.Run(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func openStore(cfg config.StoreConfig) (store.KnowledgeStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
