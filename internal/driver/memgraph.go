// Package driver mirrors the knowledge graph into Memgraph for ad-hoc Cypher
// exploration. The mirror is best effort and never authoritative.
package driver

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/core/model"
)

type MemgraphMirror struct {
	Driver neo4j.DriverWithContext
	logger *zap.Logger
}

func NewMemgraphMirror(uri, username, password string, logger *zap.Logger) (*MemgraphMirror, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, err
	}

	m := &MemgraphMirror{Driver: driver, logger: logger.Named("mirror")}
	if err := m.buildIndices(context.Background()); err != nil {
		return nil, err
	}
	m.logger.Info("connected to memgraph", zap.String("uri", uri))
	return m, nil
}

func (m *MemgraphMirror) Close(ctx context.Context) error {
	return m.Driver.Close(ctx)
}

func (m *MemgraphMirror) execute(ctx context.Context, query string, params map[string]interface{}) error {
	_, err := neo4j.ExecuteQuery(ctx, m.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

func (m *MemgraphMirror) buildIndices(ctx context.Context) error {
	queries := []string{
		"CREATE INDEX ON :Entity(id);",
		"CREATE INDEX ON :Entity(entity_type);",
		"CREATE INDEX ON :Community(id);",
	}
	for _, q := range queries {
		if err := m.execute(ctx, q, nil); err != nil {
			// Index may already exist.
			m.logger.Debug("index creation skipped", zap.String("query", q), zap.Error(err))
		}
	}
	return nil
}

func (m *MemgraphMirror) SyncEntity(ctx context.Context, e *model.Entity) error {
	if e.State == model.StateMerged || e.Deleted() {
		return m.execute(ctx, deleteEntityQuery, map[string]interface{}{"id": e.ID})
	}
	return m.execute(ctx, upsertEntityQuery, map[string]interface{}{
		"id":          e.ID,
		"name":        e.Name,
		"entity_type": e.Type,
		"confidence":  e.Confidence,
		"state":       string(e.State),
		"version":     e.Version,
		"updated_at":  e.UpdatedAt.UTC(),
	})
}

func (m *MemgraphMirror) SyncRelation(ctx context.Context, r *model.Relation) error {
	if r.Deleted {
		return m.execute(ctx, deleteRelationQuery, map[string]interface{}{"id": r.ID})
	}
	return m.execute(ctx, upsertRelationQuery, map[string]interface{}{
		"id":         r.ID,
		"source_id":  r.SourceID,
		"target_id":  r.TargetID,
		"rel_type":   r.Type,
		"confidence": r.Confidence,
		"version":    r.Version,
		"updated_at": r.UpdatedAt.UTC(),
	})
}

// SyncCommunities rebuilds the Community nodes from scratch; the set is small
// and replaced wholesale on every clustering run anyway.
func (m *MemgraphMirror) SyncCommunities(ctx context.Context, communities []model.Community) error {
	if err := m.execute(ctx, clearCommunitiesQuery, nil); err != nil {
		return err
	}
	for _, c := range communities {
		err := m.execute(ctx, upsertCommunityQuery, map[string]interface{}{
			"id":        c.ID,
			"algorithm": c.Algorithm,
			"stability": c.StabilityScore,
			"members":   c.MemberIDs,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
