package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agenthands/loom/internal/core/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL,
	key_name       TEXT NOT NULL,
	key_type       TEXT NOT NULL,
	properties     TEXT NOT NULL DEFAULT '{}',
	confidence     REAL NOT NULL,
	source_refs    TEXT NOT NULL DEFAULT '[]',
	version        INTEGER NOT NULL,
	state          TEXT NOT NULL,
	merged_into    TEXT NOT NULL DEFAULT '',
	last_partition TEXT NOT NULL DEFAULT '',
	last_offset    INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_key  ON entities(key_type, key_name);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS relations (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	target_id         TEXT NOT NULL,
	type              TEXT NOT NULL,
	properties        TEXT NOT NULL DEFAULT '{}',
	confidence        REAL NOT NULL,
	version           INTEGER NOT NULL,
	deleted           INTEGER NOT NULL DEFAULT 0,
	derived_partition TEXT NOT NULL DEFAULT '',
	derived_offset    INTEGER NOT NULL DEFAULT 0,
	last_partition    TEXT NOT NULL DEFAULT '',
	last_offset       INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);

CREATE TABLE IF NOT EXISTS entity_changes (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id     TEXT NOT NULL,
	version       INTEGER NOT NULL,
	src_partition TEXT NOT NULL DEFAULT '',
	src_offset    INTEGER NOT NULL DEFAULT 0,
	changed_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_entity ON entity_changes(entity_id);

CREATE TABLE IF NOT EXISTS communities (
	id         TEXT PRIMARY KEY,
	algorithm  TEXT NOT NULL,
	stability  REAL NOT NULL,
	members    TEXT NOT NULL DEFAULT '[]',
	computed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	src_partition TEXT PRIMARY KEY,
	last_offset   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	target_id     TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL,
	src_partition TEXT NOT NULL DEFAULT '',
	src_offset    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
`

// SQLiteStore is the durable KnowledgeStore + CheckpointStore backed by a
// single sqlite file (modernc driver, no cgo).
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", dsn, err)
	}
	// Single writer; the pipeline serializes writes per entity anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (s *SQLiteStore) scanEntity(row *sql.Row) (*model.Entity, error) {
	var e model.Entity
	var props, refs string
	err := row.Scan(&e.ID, &e.Name, &e.Type, &props, &e.Confidence, &refs,
		&e.Version, &e.State, &e.MergedInto,
		&e.LastPosition.Partition, &e.LastPosition.Offset,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode entity properties: %w", err)
	}
	if err := json.Unmarshal([]byte(refs), &e.SourceRefs); err != nil {
		return nil, fmt.Errorf("failed to decode source refs: %w", err)
	}
	return &e, nil
}

const entityColumns = `id, name, type, properties, confidence, source_refs,
	version, state, merged_into, last_partition, last_offset, created_at, updated_at`

func (s *SQLiteStore) getEntityRaw(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return s.scanEntity(row)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	for i := 0; i < 16; i++ {
		e, err := s.getEntityRaw(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.MergedInto == "" {
			return e, nil
		}
		id = e.MergedInto
	}
	return nil, fmt.Errorf("merge alias chain too deep for %s", id)
}

func (s *SQLiteStore) GetEntityByKey(ctx context.Context, key model.ResolutionKey) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE key_type = ? AND key_name = ?
		 ORDER BY created_at LIMIT 1`, key.Type, key.Name)
	e, err := s.scanEntity(row)
	if err != nil {
		return nil, err
	}
	if e.MergedInto != "" {
		return s.GetEntity(ctx, e.MergedInto)
	}
	return e, nil
}

func (s *SQLiteStore) EntitiesByType(ctx context.Context, entityType string) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE key_type = ? AND state NOT IN (?, ?) ORDER BY id`,
		strings.ToLower(strings.TrimSpace(entityType)),
		string(model.StateMerged), string(model.StateDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query entities by type: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		var props, refs string
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &props, &e.Confidence, &refs,
			&e.Version, &e.State, &e.MergedInto,
			&e.LastPosition.Partition, &e.LastPosition.Offset,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(props), &e.Properties)
		json.Unmarshal([]byte(refs), &e.SourceRefs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutEntity(ctx context.Context, e *model.Entity) error {
	key := e.Key()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, name, type, key_name, key_type, properties,
			confidence, source_refs, version, state, merged_into,
			last_partition, last_offset, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			key_name = excluded.key_name, key_type = excluded.key_type,
			properties = excluded.properties, confidence = excluded.confidence,
			source_refs = excluded.source_refs, version = excluded.version,
			state = excluded.state, merged_into = excluded.merged_into,
			last_partition = excluded.last_partition,
			last_offset = excluded.last_offset,
			updated_at = excluded.updated_at`,
		e.ID, e.Name, e.Type, key.Name, key.Type, marshal(e.Properties),
		e.Confidence, marshal(e.SourceRefs), e.Version, string(e.State),
		e.MergedInto, e.LastPosition.Partition, e.LastPosition.Offset,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_changes (entity_id, version, src_partition, src_offset, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Version, e.LastPosition.Partition, e.LastPosition.Offset, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change log for %s: %w", e.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ChangeLog(ctx context.Context, entityID string) ([]ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, version, src_partition, src_offset, changed_at
		FROM entity_changes WHERE entity_id = ? ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeLogEntry
	for rows.Next() {
		var c ChangeLogEntry
		if err := rows.Scan(&c.EntityID, &c.Version,
			&c.Position.Partition, &c.Position.Offset, &c.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const relationColumns = `id, source_id, target_id, type, properties, confidence,
	version, deleted, derived_partition, derived_offset,
	last_partition, last_offset, created_at, updated_at`

func scanRelation(scan func(dest ...interface{}) error) (*model.Relation, error) {
	var r model.Relation
	var props string
	var deleted int
	err := scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &props, &r.Confidence,
		&r.Version, &deleted,
		&r.DerivedFrom.Partition, &r.DerivedFrom.Offset,
		&r.LastPosition.Partition, &r.LastPosition.Offset,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode relation properties: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) GetRelation(ctx context.Context, id string) (*model.Relation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relationColumns+` FROM relations WHERE id = ?`, id)
	r, err := scanRelation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) queryRelations(ctx context.Context, q string, args ...interface{}) ([]model.Relation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		r, err := scanRelation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RelationsBetween(ctx context.Context, sourceID, targetID string) ([]model.Relation, error) {
	return s.queryRelations(ctx,
		`SELECT `+relationColumns+` FROM relations
		 WHERE source_id = ? AND target_id = ? AND deleted = 0`, sourceID, targetID)
}

func (s *SQLiteStore) RelationsFrom(ctx context.Context, sourceID string) ([]model.Relation, error) {
	return s.queryRelations(ctx,
		`SELECT `+relationColumns+` FROM relations
		 WHERE source_id = ? AND deleted = 0`, sourceID)
}

func (s *SQLiteStore) PutRelation(ctx context.Context, r *model.Relation) error {
	deleted := 0
	if r.Deleted {
		deleted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (id, source_id, target_id, type, properties,
			confidence, version, deleted, derived_partition, derived_offset,
			last_partition, last_offset, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			properties = excluded.properties, confidence = excluded.confidence,
			version = excluded.version, deleted = excluded.deleted,
			last_partition = excluded.last_partition,
			last_offset = excluded.last_offset,
			updated_at = excluded.updated_at`,
		r.ID, r.SourceID, r.TargetID, r.Type, marshal(r.Properties),
		r.Confidence, r.Version, deleted,
		r.DerivedFrom.Partition, r.DerivedFrom.Offset,
		r.LastPosition.Partition, r.LastPosition.Offset,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert relation %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (*model.GraphSnapshot, error) {
	snap := &model.GraphSnapshot{TakenAt: time.Now().UTC()}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE state NOT IN (?, ?)`,
		string(model.StateMerged), string(model.StateDeleted))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e model.Entity
		var props, refs string
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &props, &e.Confidence, &refs,
			&e.Version, &e.State, &e.MergedInto,
			&e.LastPosition.Partition, &e.LastPosition.Offset,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		json.Unmarshal([]byte(props), &e.Properties)
		json.Unmarshal([]byte(refs), &e.SourceRefs)
		snap.Entities = append(snap.Entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rels, err := s.queryRelations(ctx,
		`SELECT `+relationColumns+` FROM relations WHERE deleted = 0`)
	if err != nil {
		return nil, err
	}
	snap.Relations = rels
	return snap, nil
}

func (s *SQLiteStore) ReplaceCommunities(ctx context.Context, communities []model.Community) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM communities`); err != nil {
		return err
	}
	for _, c := range communities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO communities (id, algorithm, stability, members, computed_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Algorithm, c.StabilityScore, marshal(c.MemberIDs), c.ComputedAt)
		if err != nil {
			return fmt.Errorf("failed to insert community %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Communities(ctx context.Context) ([]model.Community, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, algorithm, stability, members, computed_at FROM communities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Community
	for rows.Next() {
		var c model.Community
		var members string
		if err := rows.Scan(&c.ID, &c.Algorithm, &c.StabilityScore, &members, &c.ComputedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(members), &c.MemberIDs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommunitiesFor(ctx context.Context, entityID string) ([]model.Community, error) {
	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	all, err := s.Communities(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Community
	for _, c := range all {
		for _, m := range c.MemberIDs {
			if m == e.ID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, target_id, message, src_partition, src_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, entry.TargetID, entry.Message,
		entry.Position.Partition, entry.Position.Offset, entry.CreatedAt)
	return err
}

func (s *SQLiteStore) AuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target_id, message, src_partition, src_offset, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		if err := rows.Scan(&a.ID, &a.Kind, &a.TargetID, &a.Message,
			&a.Position.Partition, &a.Position.Offset, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MutatedSince(ctx context.Context, t time.Time) (int, int, error) {
	var mutated, total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN updated_at > ? THEN 1 ELSE 0 END), 0)
		FROM entities WHERE state != ?`, t, string(model.StateMerged)).
		Scan(&total, &mutated)
	if err != nil {
		return 0, 0, err
	}
	return mutated, total, nil
}

// Checkpoint store.

func (s *SQLiteStore) Load(ctx context.Context, partition string) (model.Position, bool, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_offset FROM checkpoints WHERE src_partition = ?`, partition).Scan(&offset)
	if err == sql.ErrNoRows {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	return model.Position{Partition: partition, Offset: offset}, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, pos model.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (src_partition, last_offset) VALUES (?, ?)
		ON CONFLICT(src_partition) DO UPDATE SET last_offset = excluded.last_offset`,
		pos.Partition, pos.Offset)
	return err
}

func (s *SQLiteStore) All(ctx context.Context) (map[string]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT src_partition, last_offset FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Position)
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.Partition, &p.Offset); err != nil {
			return nil, err
		}
		out[p.Partition] = p
	}
	return out, rows.Err()
}
