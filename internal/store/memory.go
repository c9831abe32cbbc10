package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenthands/loom/internal/core/model"
)

// MemoryStore is the in-process KnowledgeStore + CheckpointStore. It backs
// tests and the default single-node deployment.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[string]*model.Entity
	keyIndex    map[model.ResolutionKey]string
	relations   map[string]*model.Relation
	bySource    map[string][]string // source entity id -> relation ids
	changeLog   map[string][]ChangeLogEntry
	communities []model.Community
	audit       []model.AuditEntry
	checkpoints map[string]model.Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string]*model.Entity),
		keyIndex:    make(map[model.ResolutionKey]string),
		relations:   make(map[string]*model.Relation),
		bySource:    make(map[string][]string),
		changeLog:   make(map[string][]ChangeLogEntry),
		checkpoints: make(map[string]model.Position),
	}
}

func (s *MemoryStore) resolveAlias(id string) string {
	// Merge chains are short; the bound is just cycle insurance.
	for i := 0; i < 16; i++ {
		e, ok := s.entities[id]
		if !ok || e.MergedInto == "" {
			return id
		}
		id = e.MergedInto
	}
	return id
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[s.resolveAlias(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) GetEntityByKey(ctx context.Context, key model.ResolutionKey) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keyIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := s.entities[s.resolveAlias(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) EntitiesByType(ctx context.Context, entityType string) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := strings.ToLower(strings.TrimSpace(entityType))
	var out []model.Entity
	for _, e := range s.entities {
		if e.State == model.StateMerged || e.Deleted() {
			continue
		}
		if strings.ToLower(e.Type) == t {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutEntity(ctx context.Context, e *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Deep copy on the way in: the caller keeps mutating its instance, and
	// readers iterate the stored Properties map outside this lock.
	cp := *e.Clone()
	s.entities[cp.ID] = &cp
	if !cp.Key().IsZero() {
		s.keyIndex[cp.Key()] = cp.ID
	}
	s.changeLog[cp.ID] = append(s.changeLog[cp.ID], ChangeLogEntry{
		EntityID:  cp.ID,
		Version:   cp.Version,
		Position:  cp.LastPosition,
		ChangedAt: cp.UpdatedAt,
	})
	return nil
}

func (s *MemoryStore) ChangeLog(ctx context.Context, entityID string) ([]ChangeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChangeLogEntry(nil), s.changeLog[entityID]...), nil
}

func (s *MemoryStore) GetRelation(ctx context.Context, id string) (*model.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.relations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) RelationsBetween(ctx context.Context, sourceID, targetID string) ([]model.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Relation
	for _, id := range s.bySource[sourceID] {
		r := s.relations[id]
		if r != nil && r.TargetID == targetID && !r.Deleted {
			out = append(out, *r.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) RelationsFrom(ctx context.Context, sourceID string) ([]model.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Relation
	for _, id := range s.bySource[sourceID] {
		if r := s.relations[id]; r != nil && !r.Deleted {
			out = append(out, *r.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) PutRelation(ctx context.Context, r *model.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r.Clone()
	if old, seen := s.relations[cp.ID]; !seen {
		s.bySource[cp.SourceID] = append(s.bySource[cp.SourceID], cp.ID)
	} else if old.SourceID != cp.SourceID {
		// Entity merges rewrite a relation's source; keep the index in step.
		ids := s.bySource[old.SourceID]
		for i, id := range ids {
			if id == cp.ID {
				s.bySource[old.SourceID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		s.bySource[cp.SourceID] = append(s.bySource[cp.SourceID], cp.ID)
	}
	s.relations[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (*model.GraphSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.GraphSnapshot{TakenAt: time.Now().UTC()}
	for _, e := range s.entities {
		if e.State == model.StateMerged || e.Deleted() {
			continue
		}
		snap.Entities = append(snap.Entities, *e.Clone())
	}
	for _, r := range s.relations {
		if !r.Deleted {
			snap.Relations = append(snap.Relations, *r.Clone())
		}
	}
	return snap, nil
}

func (s *MemoryStore) ReplaceCommunities(ctx context.Context, communities []model.Community) error {
	cp := append([]model.Community(nil), communities...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities = cp
	return nil
}

func (s *MemoryStore) Communities(ctx context.Context) ([]model.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Community(nil), s.communities...), nil
}

func (s *MemoryStore) CommunitiesFor(ctx context.Context, entityID string) ([]model.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := s.resolveAlias(entityID)
	var out []model.Community
	for _, c := range s.communities {
		for _, m := range c.MemberIDs {
			if m == id {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) AuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := append([]model.AuditEntry(nil), s.audit[len(s.audit)-limit:]...)
	return out, nil
}

func (s *MemoryStore) MutatedSince(ctx context.Context, t time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mutated := 0
	total := 0
	for _, e := range s.entities {
		if e.State == model.StateMerged {
			continue
		}
		total++
		if e.UpdatedAt.After(t) {
			mutated++
		}
	}
	return mutated, total, nil
}

func (s *MemoryStore) Close() error { return nil }

// Checkpoint store.

func (s *MemoryStore) Load(ctx context.Context, partition string) (model.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.checkpoints[partition]
	return pos, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[pos.Partition] = pos
	return nil
}

func (s *MemoryStore) All(ctx context.Context) (map[string]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Position, len(s.checkpoints))
	for k, v := range s.checkpoints {
		out[k] = v
	}
	return out, nil
}
