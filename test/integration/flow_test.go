//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/community"
	"github.com/agenthands/loom/internal/core/conflict"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/core/normalize"
	"github.com/agenthands/loom/internal/core/pipeline"
	"github.com/agenthands/loom/internal/core/query"
	"github.com/agenthands/loom/internal/core/relation"
	"github.com/agenthands/loom/internal/core/resolve"
	"github.com/agenthands/loom/internal/ingest"
	"github.com/agenthands/loom/internal/metrics"
	"github.com/agenthands/loom/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	// Per-event barrier keeps cross-table ordering deterministic.
	cfg.Pipeline.BatchSize = 1
	cfg.Relations.Exclusive = [][]string{{"works_at", "formerly_at"}}
	cfg.Relations.Acyclic = []string{"reports_to"}
	cfg.Normalize = config.NormalizeConfig{
		Tables: []config.TableMapping{
			{
				Table:             "employees",
				EntityType:        "person",
				IDColumn:          "id",
				NameColumn:        "full_name",
				ConfidenceColumn:  "confidence",
				DefaultConfidence: 0.8,
				PropertyColumns:   []string{"title"},
				TextColumn:        "notes",
				Relations: []config.RelationMapping{
					{Type: "works_at", TargetColumn: "employer", TargetType: "organization"},
				},
			},
			{
				Table:             "companies",
				EntityType:        "organization",
				IDColumn:          "id",
				NameColumn:        "name",
				DefaultConfidence: 0.9,
			},
		},
	}
	return cfg
}

type stack struct {
	store       store.KnowledgeStore
	pipeline    *pipeline.Pipeline
	communities *community.Engine
	query       *query.Engine
	cancel      context.CancelFunc
}

func newStack(t *testing.T, cfg *config.Config, dbPath string) *stack {
	t.Helper()

	var kstore store.KnowledgeStore
	if dbPath == "" {
		kstore = store.NewMemoryStore()
	} else {
		s, err := store.OpenSQLite(dbPath)
		require.NoError(t, err)
		kstore = s
	}
	t.Cleanup(func() { kstore.Close() })

	entities := resolve.NewResolver(kstore, cfg.Resolver.SimilarityThreshold, cfg.Resolver.PromoteThreshold)
	conflicts := conflict.NewResolver(kstore, entities, cfg.Relations.Exclusive, cfg.Relations.Acyclic, zap.NewNop())

	p := pipeline.New(pipeline.Options{
		Normalizer: normalize.NewNormalizer(cfg.Normalize),
		Strategies: []relation.Strategy{relation.NewPatternStrategy()},
		Validator:  relation.NewValidator(kstore, cfg.Relations),
		Conflicts:  conflicts,
		Entities:   entities,
		Store:      kstore,
		Checkpoint: kstore.(store.CheckpointStore),
		Metrics:    metrics.New(),
		Config:     cfg.Pipeline,
		Logger:     zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)
	t.Cleanup(cancel)

	return &stack{
		store:       kstore,
		pipeline:    p,
		communities: community.NewEngine(kstore, cfg.Clustering, zap.NewNop()),
		query:       query.NewEngine(kstore),
		cancel:      cancel,
	}
}

func employee(offset int64, row map[string]interface{}) *model.ChangeEvent {
	return &model.ChangeEvent{
		Table:     "employees",
		Operation: model.OpInsert,
		After:     row,
		Position:  model.Position{Partition: "cdc.employees", Offset: offset},
		Timestamp: time.Date(2025, 6, 1, 0, 0, int(offset), 0, time.UTC),
	}
}

func company(offset int64, name string) *model.ChangeEvent {
	return &model.ChangeEvent{
		Table:     "companies",
		Operation: model.OpInsert,
		After:     map[string]interface{}{"id": float64(offset), "name": name},
		Position:  model.Position{Partition: "cdc.companies", Offset: offset},
		Timestamp: time.Date(2025, 6, 1, 0, 0, int(offset), 0, time.UTC),
	}
}

func feed(t *testing.T, s *stack, events ...*model.ChangeEvent) {
	t.Helper()
	source := ingest.NewChannelSource(len(events))
	for _, ev := range events {
		source.Send(ev)
	}
	source.Finish()
	require.NoError(t, s.pipeline.Run(context.Background(), source))
}

func stream() []*model.ChangeEvent {
	return []*model.ChangeEvent{
		company(1, "Acme"),
		company(2, "Initech"),
		employee(1, map[string]interface{}{
			"id": float64(1), "full_name": "Zhang Wei", "title": "Engineer",
			"employer": "Acme", "confidence": 0.9,
		}),
		// Same person, messier spelling, weaker source.
		employee(2, map[string]interface{}{
			"id": float64(2), "full_name": "ZHANG  WEI", "title": "Manager",
			"confidence": 0.6,
		}),
		employee(3, map[string]interface{}{
			"id": float64(3), "full_name": "Wang Fang", "employer": "Acme",
			"notes": "Wang Fang reports to Zhang Wei.",
		}),
		employee(4, map[string]interface{}{
			"id": float64(4), "full_name": "Li Na", "employer": "Initech",
		}),
	}
}

func TestEndToEndFlow(t *testing.T) {
	cfg := testConfig()
	s := newStack(t, cfg, filepath.Join(t.TempDir(), "loom.db"))
	ctx := context.Background()

	feed(t, s, stream()...)

	// One entity per real-world person, with the conflicting title resolved
	// in favor of the higher-confidence source.
	people, err := s.store.EntitiesByType(ctx, "person")
	require.NoError(t, err)
	require.Len(t, people, 3)

	zhang, err := s.store.GetEntityByKey(ctx, model.NewResolutionKey("Zhang Wei", "person"))
	require.NoError(t, err)
	assert.Equal(t, "Engineer", zhang.Properties["title"].Value)
	assert.Len(t, zhang.SourceRefs, 2)

	// Column-mapped and text-extracted relations both landed.
	acme, err := s.store.GetEntityByKey(ctx, model.NewResolutionKey("Acme", "organization"))
	require.NoError(t, err)
	worksAt, err := s.store.RelationsBetween(ctx, zhang.ID, acme.ID)
	require.NoError(t, err)
	require.Len(t, worksAt, 1)

	wang, err := s.store.GetEntityByKey(ctx, model.NewResolutionKey("Wang Fang", "person"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		reports, err := s.store.RelationsBetween(ctx, wang.ID, zhang.ID)
		return err == nil && len(reports) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Paths: wang -> zhang -> ... and wang -> acme.
	result, err := s.query.FindPaths(ctx, wang.ID, acme.ID, 3, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Paths)

	// Clustering over the snapshot.
	require.NoError(t, s.communities.Run(ctx))
	communities, err := s.store.Communities(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, communities)
}

func TestCrashReplayConvergesToSameGraph(t *testing.T) {
	cfg := testConfig()
	dbPath := filepath.Join(t.TempDir(), "loom.db")
	ctx := context.Background()

	first := newStack(t, cfg, dbPath)
	feed(t, first, stream()...)

	zhangBefore, err := first.store.GetEntityByKey(ctx, model.NewResolutionKey("Zhang Wei", "person"))
	require.NoError(t, err)
	first.cancel()
	require.NoError(t, first.store.Close())

	// Restart on the same database and redeliver the whole stream, as a
	// crashed consumer would after losing its in-flight progress.
	second := newStack(t, cfg, dbPath)
	feed(t, second, stream()...)

	zhangAfter, err := second.store.GetEntityByKey(ctx, model.NewResolutionKey("Zhang Wei", "person"))
	require.NoError(t, err)
	assert.Equal(t, zhangBefore.ID, zhangAfter.ID)
	assert.Equal(t, zhangBefore.Version, zhangAfter.Version)
	assert.Equal(t, zhangBefore.Properties["title"].Value, zhangAfter.Properties["title"].Value)

	people, err := second.store.EntitiesByType(ctx, "person")
	require.NoError(t, err)
	assert.Len(t, people, 3)
}

func TestContradictionFlow(t *testing.T) {
	cfg := testConfig()
	s := newStack(t, cfg, "")
	ctx := context.Background()

	feed(t, s,
		company(1, "Acme"),
		employee(1, map[string]interface{}{
			"id": float64(1), "full_name": "Zhang Wei", "employer": "Acme", "confidence": 0.7,
		}),
		// A stronger source says the employment ended.
		employee(2, map[string]interface{}{
			"id": float64(1), "full_name": "Zhang Wei", "confidence": 0.95,
			"notes": "Left Acme.",
		}),
	)

	zhang, err := s.store.GetEntityByKey(ctx, model.NewResolutionKey("Zhang Wei", "person"))
	require.NoError(t, err)
	acme, err := s.store.GetEntityByKey(ctx, model.NewResolutionKey("Acme", "organization"))
	require.NoError(t, err)

	rels, err := s.store.RelationsBetween(ctx, zhang.ID, acme.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "formerly_at", rels[0].Type)
}
