package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/loom/internal/core/model"
)

// Both backends must behave identically; every test runs against each.
func backends(t *testing.T) map[string]KnowledgeStore {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]KnowledgeStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testEntity(id, name string) *model.Entity {
	return &model.Entity{
		ID:           id,
		Name:         name,
		Type:         "person",
		Properties:   map[string]model.PropertyValue{"title": {Value: "Engineer", Confidence: 0.9, Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}},
		Confidence:   0.9,
		SourceRefs:   []string{"people/1"},
		Version:      1,
		State:        model.StateActive,
		LastPosition: model.Position{Partition: "cdc.people", Offset: 1},
		CreatedAt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEntityRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))

			got, err := s.GetEntity(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "Zhang Wei", got.Name)
			assert.Equal(t, "Engineer", got.Properties["title"].Value)
			assert.Equal(t, int64(1), got.LastPosition.Offset)

			byKey, err := s.GetEntityByKey(ctx, model.NewResolutionKey("Zhang  WEI", "Person"))
			require.NoError(t, err)
			assert.Equal(t, "e1", byKey.ID)

			_, err = s.GetEntity(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEntitiesByTypeExcludesMergedAndDeleted(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))

			gone := testEntity("e2", "Wang Fang")
			gone.State = model.StateDeleted
			require.NoError(t, s.PutEntity(ctx, gone))

			merged := testEntity("e3", "Li Na")
			merged.State = model.StateMerged
			merged.MergedInto = "e1"
			require.NoError(t, s.PutEntity(ctx, merged))

			people, err := s.EntitiesByType(ctx, "person")
			require.NoError(t, err)
			require.Len(t, people, 1)
			assert.Equal(t, "e1", people[0].ID)
		})
	}
}

func TestMergedEntityAliasFollowed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))

			dup := testEntity("e2", "Z. Wei")
			dup.State = model.StateMerged
			dup.MergedInto = "e1"
			require.NoError(t, s.PutEntity(ctx, dup))

			got, err := s.GetEntity(ctx, "e2")
			require.NoError(t, err)
			assert.Equal(t, "e1", got.ID)
		})
	}
}

func TestRelations(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))
			require.NoError(t, s.PutEntity(ctx, testEntity("e2", "Wang Fang")))

			rel := &model.Relation{
				ID: "r1", SourceID: "e1", TargetID: "e2", Type: "reports_to",
				Confidence: 0.9, Version: 1,
				DerivedFrom:  model.Position{Partition: "cdc.people", Offset: 2},
				LastPosition: model.Position{Partition: "cdc.people", Offset: 2},
			}
			require.NoError(t, s.PutRelation(ctx, rel))

			between, err := s.RelationsBetween(ctx, "e1", "e2")
			require.NoError(t, err)
			require.Len(t, between, 1)
			assert.Equal(t, "reports_to", between[0].Type)

			rel.Deleted = true
			rel.Version = 2
			require.NoError(t, s.PutRelation(ctx, rel))

			between, err = s.RelationsBetween(ctx, "e1", "e2")
			require.NoError(t, err)
			assert.Empty(t, between)
		})
	}
}

func TestGetEntityReturnsDetachedCopy(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := testEntity("e1", "Zhang Wei")
			require.NoError(t, s.PutEntity(ctx, e))

			// The caller keeps mutating its instance after the put; the store
			// must hold its own copy.
			e.Properties["title"] = model.PropertyValue{Value: "CTO", Confidence: 1.0}

			got, err := s.GetEntity(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "Engineer", got.Properties["title"].Value)

			// And mutations of a returned copy must not leak back in.
			got.Properties["title"] = model.PropertyValue{Value: "Intern", Confidence: 0.1}
			got.SourceRefs[0] = "elsewhere"

			again, err := s.GetEntity(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "Engineer", again.Properties["title"].Value)
			assert.Equal(t, []string{"people/1"}, again.SourceRefs)
		})
	}
}

func TestRelationsReturnDetachedCopies(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))
			require.NoError(t, s.PutEntity(ctx, testEntity("e2", "Wang Fang")))

			rel := &model.Relation{
				ID: "r1", SourceID: "e1", TargetID: "e2", Type: "reports_to",
				Properties: map[string]model.PropertyValue{"since": {Value: "2024", Confidence: 0.9}},
				Confidence: 0.9, Version: 1,
			}
			require.NoError(t, s.PutRelation(ctx, rel))

			between, err := s.RelationsBetween(ctx, "e1", "e2")
			require.NoError(t, err)
			require.Len(t, between, 1)
			between[0].Properties["since"] = model.PropertyValue{Value: "1999", Confidence: 0.1}

			again, err := s.GetRelation(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "2024", again.Properties["since"].Value)
		})
	}
}

func TestChangeLogGrowsPerPut(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := testEntity("e1", "Zhang Wei")
			require.NoError(t, s.PutEntity(ctx, e))

			e.Version = 2
			e.LastPosition = model.Position{Partition: "cdc.people", Offset: 5}
			require.NoError(t, s.PutEntity(ctx, e))

			log, err := s.ChangeLog(ctx, "e1")
			require.NoError(t, err)
			require.Len(t, log, 2)
			assert.Equal(t, int64(1), log[0].Version)
			assert.Equal(t, int64(2), log[1].Version)
			assert.Equal(t, int64(5), log[1].Position.Offset)
		})
	}
}

func TestSnapshotSkipsDeadRecords(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))
			gone := testEntity("e2", "Wang Fang")
			gone.State = model.StateDeleted
			require.NoError(t, s.PutEntity(ctx, gone))

			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Entities, 1)
			assert.Equal(t, "e1", snap.Entities[0].ID)
		})
	}
}

func TestCommunities(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutEntity(ctx, testEntity("e1", "Zhang Wei")))
			require.NoError(t, s.PutEntity(ctx, testEntity("e2", "Wang Fang")))

			communities := []model.Community{{
				ID: "c1", MemberIDs: []string{"e1", "e2"},
				Algorithm: "ensemble", StabilityScore: 1.0,
				ComputedAt: time.Now().UTC(),
			}}
			require.NoError(t, s.ReplaceCommunities(ctx, communities))

			got, err := s.Communities(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)

			mine, err := s.CommunitiesFor(ctx, "e1")
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "c1", mine[0].ID)

			// Replace is wholesale.
			require.NoError(t, s.ReplaceCommunities(ctx, nil))
			got, err = s.Communities(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAuditLog(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendAudit(ctx, model.AuditEntry{
					ID: string(rune('a' + i)), Kind: "unresolvable",
					Message:   "conflict",
					Position:  model.Position{Partition: "cdc.people", Offset: int64(i)},
					CreatedAt: time.Now().UTC(),
				}))
			}

			entries, err := s.AuditEntries(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestMutatedSinceOnEmptyStore(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mutated, total, err := s.MutatedSince(context.Background(), time.Now().UTC())
			require.NoError(t, err)
			assert.Zero(t, mutated)
			assert.Zero(t, total)
		})
	}
}

func TestCheckpoints(t *testing.T) {
	memory := NewMemoryStore()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	for name, s := range map[string]CheckpointStore{"memory": memory, "sqlite": sqlite} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Load(ctx, "cdc.people")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, model.Position{Partition: "cdc.people", Offset: 41}))
			require.NoError(t, s.Save(ctx, model.Position{Partition: "cdc.people", Offset: 42}))
			require.NoError(t, s.Save(ctx, model.Position{Partition: "cdc.orgs", Offset: 7}))

			pos, ok, err := s.Load(ctx, "cdc.people")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(42), pos.Offset)

			all, err := s.All(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}
