// Package store holds the system of record: versioned entity/relation
// persistence, the per-entity change log, the checkpoint table and the audit
// log. Everything upstream mutates the graph only through KnowledgeStore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agenthands/loom/internal/core/model"
)

var ErrNotFound = errors.New("store: not found")

// ChangeLogEntry records one accepted mutation of an entity.
type ChangeLogEntry struct {
	EntityID  string         `json:"entity_id"`
	Version   int64          `json:"version"`
	Position  model.Position `json:"position"`
	ChangedAt time.Time      `json:"changed_at"`
}

type KnowledgeStore interface {
	// GetEntity returns the entity for id, following merge aliases to the
	// surviving entity.
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	GetEntityByKey(ctx context.Context, key model.ResolutionKey) (*model.Entity, error)
	// EntitiesByType returns non-deleted, non-merged entities of the given
	// normalized type, for fuzzy match candidate generation.
	EntitiesByType(ctx context.Context, entityType string) ([]model.Entity, error)
	// PutEntity upserts the entity and appends to its change log.
	PutEntity(ctx context.Context, e *model.Entity) error
	ChangeLog(ctx context.Context, entityID string) ([]ChangeLogEntry, error)

	GetRelation(ctx context.Context, id string) (*model.Relation, error)
	RelationsBetween(ctx context.Context, sourceID, targetID string) ([]model.Relation, error)
	RelationsFrom(ctx context.Context, sourceID string) ([]model.Relation, error)
	PutRelation(ctx context.Context, r *model.Relation) error

	// Snapshot returns a point-in-time copy of all live entities and
	// relations. Callers may read it without further coordination.
	Snapshot(ctx context.Context) (*model.GraphSnapshot, error)

	// ReplaceCommunities atomically swaps the full community assignment.
	ReplaceCommunities(ctx context.Context, communities []model.Community) error
	Communities(ctx context.Context) ([]model.Community, error)
	CommunitiesFor(ctx context.Context, entityID string) ([]model.Community, error)

	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	AuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error)

	// MutatedSince reports how many entities changed after t, and the total
	// entity count. Drives the clustering delta trigger.
	MutatedSince(ctx context.Context, t time.Time) (mutated, total int, err error)

	Close() error
}

// CheckpointStore maps source partition -> last durably applied position.
// The ingestion adapter saves only after the conflict resolver has applied a
// whole batch, which is what makes restart at-least-once instead of lossy.
type CheckpointStore interface {
	Load(ctx context.Context, partition string) (model.Position, bool, error)
	Save(ctx context.Context, pos model.Position) error
	All(ctx context.Context) (map[string]model.Position, error)
}
