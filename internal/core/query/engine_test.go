package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

func buildGraph(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.PutEntity(ctx, &model.Entity{
			ID: id, Name: id, Type: "person",
			Confidence: 0.9, Version: 1, State: model.StateActive,
		}))
	}

	rels := []model.Relation{
		{ID: "ab", SourceID: "a", TargetID: "b", Type: "knows", Confidence: 0.9, Version: 1},
		{ID: "bc", SourceID: "b", TargetID: "c", Type: "knows", Confidence: 0.8, Version: 1},
		{ID: "ac", SourceID: "a", TargetID: "c", Type: "knows", Confidence: 0.5, Version: 1},
		{ID: "cd", SourceID: "c", TargetID: "d", Type: "knows", Confidence: 0.9, Version: 1},
	}
	for i := range rels {
		require.NoError(t, s.PutRelation(ctx, &rels[i]))
	}
	return s
}

func TestFindPathsRanksByConfidence(t *testing.T) {
	e := NewEngine(buildGraph(t))

	result, err := e.FindPaths(context.Background(), "a", "c", 3, 0)
	require.NoError(t, err)
	require.Len(t, result.Paths, 2)
	assert.False(t, result.Truncated)

	// a->b->c scores 0.72, above the direct a->c edge at 0.5.
	assert.InDelta(t, 0.72, result.Paths[0].Confidence, 1e-9)
	assert.Len(t, result.Paths[0].Edges, 2)
	assert.InDelta(t, 0.5, result.Paths[1].Confidence, 1e-9)
}

func TestFindPathsPrunesBelowMinConfidence(t *testing.T) {
	e := NewEngine(buildGraph(t))

	result, err := e.FindPaths(context.Background(), "a", "c", 3, 0.6)
	require.NoError(t, err)
	require.Len(t, result.Paths, 1)
	assert.InDelta(t, 0.72, result.Paths[0].Confidence, 1e-9)
}

func TestFindPathsRespectsMaxDepth(t *testing.T) {
	e := NewEngine(buildGraph(t))

	result, err := e.FindPaths(context.Background(), "a", "d", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, result.Paths)

	result, err = e.FindPaths(context.Background(), "a", "d", 3, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Paths)
}

func TestFindPathsDeadlineTruncates(t *testing.T) {
	e := NewEngine(buildGraph(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.FindPaths(ctx, "a", "c", 3, 0)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Empty(t, result.Paths)
}

func TestFindPathsUnknownEntity(t *testing.T) {
	e := NewEngine(buildGraph(t))

	_, err := e.FindPaths(context.Background(), "a", "nope", 3, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNeighborhood(t *testing.T) {
	e := NewEngine(buildGraph(t))

	entities, relations, err := e.Neighborhood(context.Background(), "a", 0.6)
	require.NoError(t, err)
	require.Len(t, relations, 1) // the 0.5 edge is filtered
	require.Len(t, entities, 1)
	assert.Equal(t, "b", entities[0].ID)
}
