// Package conflict serializes updates against a consistent prior state and
// resolves property, relation and structural conflicts deterministically.
// An update either fully applies or is rejected; the version invariant is
// never left half-advanced.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/core/common"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/core/resolve"
	"github.com/agenthands/loom/internal/store"
)

type Resolver struct {
	Store    store.KnowledgeStore
	Entities *resolve.Resolver

	// exclusive maps a relation type to the other members of its mutual
	// exclusion group.
	exclusive map[string]map[string]bool
	// acyclic relation types may never form a cycle.
	acyclic map[string]bool
	// structMu serializes applies of acyclic relation types. The per-key
	// queues only order relations sharing a source endpoint; opposite-direction
	// inserts land on different workers, and both could pass the reachability
	// check before either write without this lock.
	structMu sync.Mutex

	IDGen  func() string
	logger *zap.Logger
}

func NewResolver(s store.KnowledgeStore, entities *resolve.Resolver, exclusiveGroups [][]string, acyclicTypes []string, logger *zap.Logger) *Resolver {
	exclusive := make(map[string]map[string]bool)
	for _, group := range exclusiveGroups {
		for _, t := range group {
			if exclusive[t] == nil {
				exclusive[t] = make(map[string]bool)
			}
			for _, other := range group {
				if other != t {
					exclusive[t][other] = true
				}
			}
		}
	}
	acyclic := make(map[string]bool, len(acyclicTypes))
	for _, t := range acyclicTypes {
		acyclic[t] = true
	}
	return &Resolver{
		Store:     s,
		Entities:  entities,
		exclusive: exclusive,
		acyclic:   acyclic,
		IDGen:     uuid.NewString,
		logger:    logger.Named("conflict"),
	}
}

// Apply processes one UpdateRequest against the store. The caller guarantees
// single-writer ordering per serialization key; Apply itself holds no locks.
func (r *Resolver) Apply(ctx context.Context, req *model.UpdateRequest) model.ApplyResult {
	switch req.TargetType {
	case model.TargetEntity:
		return r.applyEntity(ctx, req)
	case model.TargetRelation:
		return r.applyRelation(ctx, req)
	default:
		return model.ApplyResult{Status: model.StatusRejected,
			Reason: fmt.Sprintf("unknown target type %q", req.TargetType)}
	}
}

func (r *Resolver) applyEntity(ctx context.Context, req *model.UpdateRequest) model.ApplyResult {
	if req.Entity == nil {
		return model.ApplyResult{Status: model.StatusRejected, Reason: "entity payload missing"}
	}

	var existing *model.Entity
	var err error
	if req.TargetID != "" {
		existing, err = r.Store.GetEntity(ctx, req.TargetID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return rejectErr(err)
		}
	} else {
		existing, _, err = r.Entities.Match(ctx, req.Entity.Name, req.Entity.Type)
		if err != nil {
			return rejectErr(err)
		}
	}

	if req.Operation == model.OpDelete {
		if existing == nil {
			return model.ApplyResult{Status: model.StatusRejected, Reason: "delete of unknown entity"}
		}
		if isReplay(req, existing.LastPosition) {
			return model.ApplyResult{Status: model.StatusApplied, Entity: existing}
		}
		existing.State = model.StateDeleted
		existing.Version++
		existing.LastPosition = req.DerivedFrom
		existing.UpdatedAt = req.Timestamp
		if err := r.Store.PutEntity(ctx, existing); err != nil {
			return rejectErr(err)
		}
		return model.ApplyResult{Status: model.StatusApplied, Entity: existing}
	}

	if existing == nil {
		e := r.Entities.NewEntity(req)
		if err := r.Store.PutEntity(ctx, e); err != nil {
			return rejectErr(err)
		}
		return model.ApplyResult{Status: model.StatusApplied, Entity: e}
	}

	// At-least-once delivery: a position at or before the last applied one
	// for this entity is a replay, not a new mutation.
	if isReplay(req, existing.LastPosition) {
		return model.ApplyResult{Status: model.StatusApplied, Entity: existing}
	}

	conflicted := r.detectPropertyConflict(existing, req)
	if !r.Entities.Merge(existing, req) {
		// Nothing changed; keep version and position untouched so replays
		// stay byte-identical.
		if conflicted {
			return model.ApplyResult{Status: model.StatusConflicted, Entity: existing,
				Reason: "property conflict resolved by confidence"}
		}
		return model.ApplyResult{Status: model.StatusApplied, Entity: existing}
	}

	existing.Version++
	existing.LastPosition = req.DerivedFrom
	existing.UpdatedAt = req.Timestamp
	existing.Confidence = common.Clamp01(existing.Confidence)
	if err := r.Store.PutEntity(ctx, existing); err != nil {
		return rejectErr(err)
	}

	if conflicted {
		return model.ApplyResult{Status: model.StatusConflicted, Entity: existing,
			Reason: "property conflict resolved by confidence"}
	}
	return model.ApplyResult{Status: model.StatusApplied, Entity: existing}
}

// detectPropertyConflict reports whether the request sets any property to a
// different value than the current one. The merge itself decides the winner.
func (r *Resolver) detectPropertyConflict(e *model.Entity, req *model.UpdateRequest) bool {
	for k, v := range req.Entity.Properties {
		if old, ok := e.Properties[k]; ok {
			if common.EncodeValue(old.Value) != common.EncodeValue(v) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) applyRelation(ctx context.Context, req *model.UpdateRequest) model.ApplyResult {
	if req.Relation == nil {
		return model.ApplyResult{Status: model.StatusRejected, Reason: "relation payload missing"}
	}
	if r.acyclic[req.Relation.Type] {
		r.structMu.Lock()
		defer r.structMu.Unlock()
	}

	source, err := r.resolveEndpoint(ctx, req.Relation.SourceID, req.Relation.SourceKey)
	if err != nil {
		return r.dangling(req, "source", err)
	}
	target, err := r.resolveEndpoint(ctx, req.Relation.TargetID, req.Relation.TargetKey)
	if err != nil {
		return r.dangling(req, "target", err)
	}

	existing, err := r.Store.RelationsBetween(ctx, source.ID, target.ID)
	if err != nil {
		return rejectErr(err)
	}

	var same *model.Relation
	for i := range existing {
		if existing[i].Type == req.Relation.Type {
			same = &existing[i]
			break
		}
	}

	if req.Operation == model.OpDelete {
		if same == nil {
			return model.ApplyResult{Status: model.StatusRejected, Reason: "delete of unknown relation"}
		}
		if isReplay(req, same.LastPosition) {
			return model.ApplyResult{Status: model.StatusApplied, Relation: same}
		}
		same.Deleted = true
		same.Version++
		same.LastPosition = req.DerivedFrom
		same.UpdatedAt = req.Timestamp
		if err := r.Store.PutRelation(ctx, same); err != nil {
			return rejectErr(err)
		}
		return model.ApplyResult{Status: model.StatusApplied, Relation: same}
	}

	if same != nil && isReplay(req, same.LastPosition) {
		return model.ApplyResult{Status: model.StatusApplied, Relation: same}
	}

	// Relation contradiction: a mutually exclusive type already present
	// between this ordered pair.
	for i := range existing {
		other := &existing[i]
		if other.Type == req.Relation.Type || !r.exclusive[req.Relation.Type][other.Type] {
			continue
		}
		res := r.resolveContradiction(ctx, req, other)
		if res != nil {
			return *res
		}
	}

	// Structural conflict: an acyclic relation type must not close a cycle.
	if r.acyclic[req.Relation.Type] {
		reachable, err := r.reaches(ctx, target.ID, source.ID, req.Relation.Type)
		if err != nil {
			return rejectErr(err)
		}
		if reachable {
			r.audit(ctx, "structural", source.ID, req,
				fmt.Sprintf("relation %s %s->%s would close a cycle",
					req.Relation.Type, source.ID, target.ID))
			return model.ApplyResult{Status: model.StatusRejected,
				Reason: "acyclic relation type would form a cycle",
				Err:    model.ErrStructuralConflict}
		}
	}

	incoming := common.Clamp01(req.Confidence)
	now := req.Timestamp

	if same == nil {
		rel := &model.Relation{
			ID:           r.IDGen(),
			SourceID:     source.ID,
			TargetID:     target.ID,
			Type:         req.Relation.Type,
			Properties:   make(map[string]model.PropertyValue),
			Confidence:   incoming,
			Version:      1,
			DerivedFrom:  req.DerivedFrom,
			LastPosition: req.DerivedFrom,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		for k, v := range req.Relation.Properties {
			rel.Properties[k] = model.PropertyValue{Value: v, Confidence: incoming, Timestamp: now}
		}
		if err := r.Store.PutRelation(ctx, rel); err != nil {
			return rejectErr(err)
		}
		return model.ApplyResult{Status: model.StatusApplied, Relation: rel}
	}

	changed := false
	if same.Properties == nil {
		same.Properties = make(map[string]model.PropertyValue)
	}
	for k, v := range req.Relation.Properties {
		cand := model.PropertyValue{Value: v, Confidence: incoming, Timestamp: now}
		old, ok := same.Properties[k]
		if !ok || resolve.Wins(cand, old) {
			if !ok || common.EncodeValue(old.Value) != common.EncodeValue(cand.Value) ||
				old.Confidence != cand.Confidence {
				changed = true
			}
			same.Properties[k] = cand
		}
	}
	if incoming > same.Confidence {
		same.Confidence = incoming
		changed = true
	}
	if !changed {
		return model.ApplyResult{Status: model.StatusApplied, Relation: same}
	}

	same.Version++
	same.LastPosition = req.DerivedFrom
	same.UpdatedAt = now
	if err := r.Store.PutRelation(ctx, same); err != nil {
		return rejectErr(err)
	}
	return model.ApplyResult{Status: model.StatusApplied, Relation: same}
}

// resolveContradiction decides between the incoming relation and a live,
// mutually exclusive existing one. Higher confidence wins; an exact tie goes
// to the more recent derived_from position; a tie across partitions has no
// deterministic answer and goes to the audit queue.
func (r *Resolver) resolveContradiction(ctx context.Context, req *model.UpdateRequest, other *model.Relation) *model.ApplyResult {
	incoming := common.Clamp01(req.Confidence)

	keepIncoming := false
	switch {
	case incoming > other.Confidence:
		keepIncoming = true
	case incoming < other.Confidence:
		keepIncoming = false
	case other.DerivedFrom.Before(req.DerivedFrom):
		keepIncoming = true
	case req.DerivedFrom.Before(other.DerivedFrom):
		keepIncoming = false
	default:
		r.audit(ctx, "unresolvable", other.SourceID, req,
			fmt.Sprintf("contradiction between %s and incoming %s: equal confidence %.3f, positions not comparable",
				other.Type, req.Relation.Type, incoming))
		return &model.ApplyResult{Status: model.StatusRejected,
			Reason: "contradiction with no deterministic tie-break",
			Err:    model.ErrConflictUnresolvable}
	}

	if !keepIncoming {
		return &model.ApplyResult{Status: model.StatusConflicted,
			Reason: fmt.Sprintf("contradicts higher-confidence relation %s", other.ID),
			Err:    nil}
	}

	// Incoming wins: invalidate the contradicted relation and continue.
	other.Deleted = true
	other.Version++
	other.UpdatedAt = req.Timestamp
	if err := r.Store.PutRelation(ctx, other); err != nil {
		res := rejectErr(err)
		return &res
	}
	r.logger.Info("relation contradiction resolved",
		zap.String("kept", req.Relation.Type),
		zap.String("invalidated", other.ID))
	return nil
}

func (r *Resolver) resolveEndpoint(ctx context.Context, id string, key model.ResolutionKey) (*model.Entity, error) {
	var e *model.Entity
	var err error
	if id != "" {
		e, err = r.Store.GetEntity(ctx, id)
	} else if !key.IsZero() {
		e, err = r.Store.GetEntityByKey(ctx, key)
	} else {
		return nil, fmt.Errorf("%w: endpoint reference empty", model.ErrDanglingRelation)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrDanglingRelation
		}
		return nil, err
	}
	if e.Deleted() {
		return nil, model.ErrDanglingRelation
	}
	return e, nil
}

// reaches reports whether from can reach to by following live relations of
// the given type.
func (r *Resolver) reaches(ctx context.Context, from, to, relType string) (bool, error) {
	if from == to {
		return true, nil
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rels, err := r.Store.RelationsFrom(ctx, cur)
		if err != nil {
			return false, err
		}
		for _, rel := range rels {
			if rel.Type != relType || seen[rel.TargetID] {
				continue
			}
			if rel.TargetID == to {
				return true, nil
			}
			seen[rel.TargetID] = true
			stack = append(stack, rel.TargetID)
		}
	}
	return false, nil
}

func (r *Resolver) dangling(req *model.UpdateRequest, side string, err error) model.ApplyResult {
	if errors.Is(err, model.ErrDanglingRelation) {
		return model.ApplyResult{Status: model.StatusRejected,
			Reason: fmt.Sprintf("%s endpoint missing or deleted", side),
			Err:    model.ErrDanglingRelation}
	}
	return rejectErr(err)
}

func (r *Resolver) audit(ctx context.Context, kind, targetID string, req *model.UpdateRequest, msg string) {
	entry := model.AuditEntry{
		ID:        r.IDGen(),
		Kind:      kind,
		TargetID:  targetID,
		Message:   msg,
		Position:  req.DerivedFrom,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("failed to append audit entry", zap.Error(err))
	}
}

// isReplay reports whether the request was already applied. API-submitted
// updates carry no position; they are never replays of each other.
func isReplay(req *model.UpdateRequest, last model.Position) bool {
	return !req.DerivedFrom.IsZero() && req.DerivedFrom.AtOrBefore(last)
}

func rejectErr(err error) model.ApplyResult {
	return model.ApplyResult{Status: model.StatusRejected, Reason: err.Error(), Err: err}
}
