// Command replay feeds a JSONL file of change events through the full
// pipeline, for backfills and for rebuilding a store from an exported stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/conflict"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/core/normalize"
	"github.com/agenthands/loom/internal/core/pipeline"
	"github.com/agenthands/loom/internal/core/relation"
	"github.com/agenthands/loom/internal/core/resolve"
	"github.com/agenthands/loom/internal/ingest"
	"github.com/agenthands/loom/internal/metrics"
	"github.com/agenthands/loom/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	var (
		cfgPath = flag.String("config", "config/config.toml", "config file")
		input   = flag.String("input", "", "JSONL file of change events (default stdin)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("Could not load %s: %v. Using defaults", *cfgPath, err)
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var kstore store.KnowledgeStore
	switch cfg.Store.Driver {
	case "", "memory":
		kstore = store.NewMemoryStore()
	case "sqlite":
		kstore, err = store.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			logger.Fatal("failed to open store", zap.Error(err))
		}
	default:
		logger.Fatal("unknown store driver", zap.String("driver", cfg.Store.Driver))
	}
	defer kstore.Close()
	checkpoints := kstore.(store.CheckpointStore)

	entities := resolve.NewResolver(kstore, cfg.Resolver.SimilarityThreshold, cfg.Resolver.PromoteThreshold)
	conflicts := conflict.NewResolver(kstore, entities, cfg.Relations.Exclusive, cfg.Relations.Acyclic, logger)

	pipe := pipeline.New(pipeline.Options{
		Normalizer: normalize.NewNormalizer(cfg.Normalize),
		Strategies: []relation.Strategy{relation.NewPatternStrategy()},
		Validator:  relation.NewValidator(kstore, cfg.Relations),
		Conflicts:  conflicts,
		Entities:   entities,
		Store:      kstore,
		Checkpoint: checkpoints,
		Metrics:    metrics.New(),
		Config:     cfg.Pipeline,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipe.Start(ctx)

	in := os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Fatal("failed to open input", zap.Error(err))
		}
		defer f.Close()
		in = f
	}

	source := ingest.NewChannelSource(64)
	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx, source) }()

	count := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", count+1), zap.Error(err))
			continue
		}
		source.Send(&ev)
		count++
	}
	if err := scanner.Err(); err != nil {
		logger.Fatal("read failed", zap.Error(err))
	}

	source.Finish()
	if err := <-done; err != nil {
		logger.Fatal("replay failed", zap.Error(err))
	}
	cancel()

	fmt.Printf("replayed %d events\n", count)
}
