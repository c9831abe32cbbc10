package community

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

// twoTriangles builds two disconnected triangles: {a1,a2,a3} and {b1,b2,b3}.
func twoTriangles(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	ids := []string{"a1", "a2", "a3", "b1", "b2", "b3"}
	for _, id := range ids {
		require.NoError(t, s.PutEntity(ctx, &model.Entity{
			ID: id, Name: id, Type: "person",
			Confidence: 0.9, Version: 1, State: model.StateActive,
			UpdatedAt: time.Now().UTC(),
		}))
	}
	edges := [][2]string{
		{"a1", "a2"}, {"a2", "a3"}, {"a3", "a1"},
		{"b1", "b2"}, {"b2", "b3"}, {"b3", "b1"},
	}
	for i, e := range edges {
		require.NoError(t, s.PutRelation(ctx, &model.Relation{
			ID: fmt.Sprintf("r%d", i), SourceID: e[0], TargetID: e[1],
			Type: "knows", Confidence: 0.9, Version: 1,
		}))
	}
	return s
}

func snapshot(t *testing.T, s *store.MemoryStore) *model.GraphSnapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestLabelPropagationSeparatesComponents(t *testing.T) {
	s := twoTriangles(t)

	labels, err := NewLabelPropagation().Detect(snapshot(t, s))
	require.NoError(t, err)

	assert.Equal(t, labels["a1"], labels["a2"])
	assert.Equal(t, labels["a2"], labels["a3"])
	assert.Equal(t, labels["b1"], labels["b2"])
	assert.NotEqual(t, labels["a1"], labels["b1"])
}

func TestGreedyModularitySeparatesComponents(t *testing.T) {
	s := twoTriangles(t)

	labels, err := NewGreedyModularity().Detect(snapshot(t, s))
	require.NoError(t, err)

	assert.Equal(t, labels["a1"], labels["a2"])
	assert.Equal(t, labels["a2"], labels["a3"])
	assert.NotEqual(t, labels["a1"], labels["b1"])
}

func TestDetectIsDeterministic(t *testing.T) {
	s := twoTriangles(t)
	snap := snapshot(t, s)

	first, err := NewLabelPropagation().Detect(snap)
	require.NoError(t, err)
	second, err := NewLabelPropagation().Detect(snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func newTestEngine(s *store.MemoryStore) *Engine {
	e := NewEngine(s, config.ClusteringConfig{
		IntervalSeconds: 300,
		DeltaThreshold:  0.2,
		Algorithms:      []string{"label_propagation", "modularity"},
	}, zap.NewNop())
	seq := 0
	e.IDGen = func() string {
		seq++
		return fmt.Sprintf("c%03d", seq)
	}
	return e
}

func TestEngineEnsemble(t *testing.T) {
	s := twoTriangles(t)
	e := newTestEngine(s)
	ctx := context.Background()

	require.NoError(t, e.Run(ctx))

	communities, err := s.Communities(ctx)
	require.NoError(t, err)
	require.Len(t, communities, 2)
	for _, c := range communities {
		assert.Len(t, c.MemberIDs, 3)
		assert.Equal(t, "ensemble", c.Algorithm)
		assert.Equal(t, 1.0, c.StabilityScore)
	}

	mine, err := s.CommunitiesFor(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Contains(t, mine[0].MemberIDs, "a2")
}

func TestEngineReplacesWholesale(t *testing.T) {
	s := twoTriangles(t)
	e := newTestEngine(s)
	ctx := context.Background()

	require.NoError(t, e.Run(ctx))
	require.NoError(t, e.Run(ctx))

	// A second run replaces, never appends.
	communities, err := s.Communities(ctx)
	require.NoError(t, err)
	assert.Len(t, communities, 2)
}

type recordingMirror struct {
	synced [][]model.Community
}

func (m *recordingMirror) SyncCommunities(ctx context.Context, communities []model.Community) error {
	m.synced = append(m.synced, communities)
	return nil
}

func TestEngineSyncsMirrorAfterRun(t *testing.T) {
	s := twoTriangles(t)
	e := newTestEngine(s)
	m := &recordingMirror{}
	e.Mirror = m

	require.NoError(t, e.Run(context.Background()))

	require.Len(t, m.synced, 1)
	assert.Len(t, m.synced[0], 2)
}

func TestMaybeRunDeltaTrigger(t *testing.T) {
	s := twoTriangles(t)
	e := newTestEngine(s)
	ctx := context.Background()

	ran, err := e.MaybeRun(ctx)
	require.NoError(t, err)
	assert.True(t, ran) // first run is always due

	ran, err = e.MaybeRun(ctx)
	require.NoError(t, err)
	assert.False(t, ran) // nothing changed, schedule not due

	// Touch enough entities to cross the delta threshold.
	for _, id := range []string{"a1", "a2"} {
		ent, err := s.GetEntity(ctx, id)
		require.NoError(t, err)
		ent.UpdatedAt = time.Now().UTC().Add(time.Second)
		require.NoError(t, s.PutEntity(ctx, ent))
	}
	ran, err = e.MaybeRun(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}
