// Package resolve matches incoming entity updates against the existing graph
// and merges them deterministically. The same two inputs always merge to the
// same output regardless of arrival order.
package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/agenthands/loom/internal/core/common"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

type Resolver struct {
	Store store.KnowledgeStore

	// SimilarityThreshold is the minimum normalized edit-distance similarity
	// for a fuzzy match; below it a new entity is created.
	SimilarityThreshold float64
	// PromoteThreshold is the confidence at which a Candidate becomes Active.
	PromoteThreshold float64

	// IDGen is swappable for deterministic tests.
	IDGen func() string
}

func NewResolver(s store.KnowledgeStore, similarityThreshold, promoteThreshold float64) *Resolver {
	return &Resolver{
		Store:               s,
		SimilarityThreshold: similarityThreshold,
		PromoteThreshold:    promoteThreshold,
		IDGen:               uuid.NewString,
	}
}

// Match finds the entity an update for (name, type) should land on:
// exact normalized key match first, then the best fuzzy match among entities
// of the same type. Returns nil when a new entity should be created.
func (r *Resolver) Match(ctx context.Context, name, entityType string) (*model.Entity, float64, error) {
	key := model.NewResolutionKey(name, entityType)

	e, err := r.Store.GetEntityByKey(ctx, key)
	if err == nil {
		return e, 1.0, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	candidates, err := r.Store.EntitiesByType(ctx, entityType)
	if err != nil {
		return nil, 0, err
	}

	var best *model.Entity
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		score := levenshtein.Similarity(key.Name, c.Key().Name, levenshtein.NewParams())
		// Ties broken by smaller id so the winner is stable across runs.
		if score > bestScore || (score == bestScore && best != nil && c.ID < best.ID) {
			best = c
			bestScore = score
		}
	}

	if best != nil && bestScore >= r.SimilarityThreshold {
		return best, bestScore, nil
	}
	return nil, 0, nil
}

// NewEntity seeds a Candidate entity from an update request.
func (r *Resolver) NewEntity(req *model.UpdateRequest) *model.Entity {
	e := &model.Entity{
		ID:           r.IDGen(),
		Name:         req.Entity.Name,
		Type:         req.Entity.Type,
		Properties:   make(map[string]model.PropertyValue),
		Confidence:   common.Clamp01(req.Confidence),
		Version:      1,
		State:        model.StateCandidate,
		LastPosition: req.DerivedFrom,
		CreatedAt:    req.Timestamp,
		UpdatedAt:    req.Timestamp,
	}
	e.AddSourceRef(req.SourceRef)
	for k, v := range req.Entity.Properties {
		e.Properties[k] = model.PropertyValue{
			Value:      v,
			Confidence: e.Confidence,
			Timestamp:  req.Timestamp,
		}
	}
	r.Promote(e)
	return e
}

// Merge folds an update into an existing entity. For each property the higher
// source confidence wins; on a tie the later timestamp wins; on a full tie the
// lexicographically larger encoded value wins, so the outcome is a total order
// over the two values. Overall confidence is the max of prior and incoming —
// a merge never lowers it. Returns true when any field changed.
func (r *Resolver) Merge(e *model.Entity, req *model.UpdateRequest) bool {
	changed := false
	incoming := common.Clamp01(req.Confidence)

	if e.Properties == nil {
		e.Properties = make(map[string]model.PropertyValue)
	}
	for k, v := range req.Entity.Properties {
		cand := model.PropertyValue{Value: v, Confidence: incoming, Timestamp: req.Timestamp}
		old, ok := e.Properties[k]
		if !ok || Wins(cand, old) {
			if !ok || common.EncodeValue(old.Value) != common.EncodeValue(cand.Value) ||
				old.Confidence != cand.Confidence {
				changed = true
			}
			e.Properties[k] = cand
		}
	}

	if incoming > e.Confidence {
		e.Confidence = incoming
		changed = true
	}

	before := len(e.SourceRefs)
	e.AddSourceRef(req.SourceRef)
	if len(e.SourceRefs) != before {
		changed = true
	}

	if r.Promote(e) {
		changed = true
	}
	return changed
}

// Verify idempotently raises entity confidence after an external verification
// step. It never lowers confidence; re-applying the same verification is a
// no-op.
func (r *Resolver) Verify(e *model.Entity, confidence float64) bool {
	c := common.Clamp01(confidence)
	changed := false
	if c > e.Confidence {
		e.Confidence = c
		changed = true
	}
	if e.State == model.StateCandidate {
		// Verification confirms the entity regardless of threshold.
		e.State = model.StateActive
		changed = true
	}
	return changed
}

// Promote moves a Candidate to Active once its confidence crosses the
// configured threshold.
func (r *Resolver) Promote(e *model.Entity) bool {
	if e.State == model.StateCandidate && e.Confidence >= r.PromoteThreshold {
		e.State = model.StateActive
		return true
	}
	return false
}

// Wins reports whether candidate property value a beats existing value b.
func Wins(a, b model.PropertyValue) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return common.EncodeValue(a.Value) > common.EncodeValue(b.Value)
}

// MergeEntities marks dup as merged into survivor and rewrites dup's live
// relations onto the survivor. Callers serialize on both entities.
func (r *Resolver) MergeEntities(ctx context.Context, dupID, survivorID string, now time.Time) error {
	dup, err := r.Store.GetEntity(ctx, dupID)
	if err != nil {
		return err
	}
	survivor, err := r.Store.GetEntity(ctx, survivorID)
	if err != nil {
		return err
	}
	if dup.ID == survivor.ID {
		return nil
	}

	if survivor.Confidence < dup.Confidence {
		survivor.Confidence = dup.Confidence
	}
	for k, v := range dup.Properties {
		old, ok := survivor.Properties[k]
		if !ok || Wins(v, old) {
			if survivor.Properties == nil {
				survivor.Properties = make(map[string]model.PropertyValue)
			}
			survivor.Properties[k] = v
		}
	}
	for _, ref := range dup.SourceRefs {
		survivor.AddSourceRef(ref)
	}
	survivor.Version++
	survivor.UpdatedAt = now

	dup.State = model.StateMerged
	dup.MergedInto = survivor.ID
	dup.Version++
	dup.UpdatedAt = now

	rels, err := r.Store.RelationsFrom(ctx, dup.ID)
	if err != nil {
		return err
	}
	for i := range rels {
		rel := rels[i]
		rel.SourceID = survivor.ID
		rel.Version++
		rel.UpdatedAt = now
		if err := r.Store.PutRelation(ctx, &rel); err != nil {
			return err
		}
	}

	if err := r.Store.PutEntity(ctx, survivor); err != nil {
		return err
	}
	return r.Store.PutEntity(ctx, dup)
}
