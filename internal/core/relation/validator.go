package relation

import (
	"context"
	"errors"
	"sort"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/common"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

// Validator scores relation candidates and decides which proceed to conflict
// resolution. Confidence is a weighted sum of the four signals; candidates
// below the enhancement threshold are flagged rather than dropped, so a later
// pass with more context can rescue them.
type Validator struct {
	Store store.KnowledgeStore
	Cfg   config.RelationConfig
}

func NewValidator(s store.KnowledgeStore, cfg config.RelationConfig) *Validator {
	return &Validator{Store: s, Cfg: cfg}
}

// Validate dedupes candidates by (source, target, type) keeping the highest
// scoring one, fills in context support from the current graph, and computes
// the final confidence. subject is the entity the triggering event described;
// it counts as known even though its own upsert may not have landed yet.
// Output order is deterministic.
func (v *Validator) Validate(ctx context.Context, subject model.ResolutionKey, cands []model.RelationCandidate) ([]model.RelationCandidate, error) {
	scored := make([]model.RelationCandidate, 0, len(cands))
	for _, c := range cands {
		if c.SourceKey.IsZero() || c.TargetKey.IsZero() || c.Type == "" {
			continue
		}
		if c.Validation == 0 {
			c.Validation = v.Cfg.DefaultValidation
		}
		if c.ContextSupport == 0 {
			support, err := v.contextSupport(ctx, subject, &c)
			if err != nil {
				return nil, err
			}
			c.ContextSupport = support
		}
		c.Confidence = common.Clamp01(
			v.Cfg.WeightMention*c.Mention +
				v.Cfg.WeightInferred*c.Inferred +
				v.Cfg.WeightContext*c.ContextSupport +
				v.Cfg.WeightValidation*c.Validation)
		c.NeedsEnhancement = c.Confidence < v.Cfg.EnhancementThreshold
		scored = append(scored, c)
	}

	// Dedupe keeping the best-scoring candidate per triple.
	type triple struct {
		src, tgt model.ResolutionKey
		typ      string
	}
	best := make(map[triple]model.RelationCandidate)
	for _, c := range scored {
		k := triple{c.SourceKey, c.TargetKey, c.Type}
		if prev, ok := best[k]; !ok || c.Confidence > prev.Confidence {
			best[k] = c
		}
	}

	out := make([]model.RelationCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceKey.String() != out[j].SourceKey.String() {
			return out[i].SourceKey.String() < out[j].SourceKey.String()
		}
		if out[i].TargetKey.String() != out[j].TargetKey.String() {
			return out[i].TargetKey.String() < out[j].TargetKey.String()
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// contextSupport measures how much the existing graph corroborates the
// candidate: each endpoint already known contributes half.
func (v *Validator) contextSupport(ctx context.Context, subject model.ResolutionKey, c *model.RelationCandidate) (float64, error) {
	support := 0.0
	for _, key := range []model.ResolutionKey{c.SourceKey, c.TargetKey} {
		if !subject.IsZero() && key == subject {
			support += 0.5
			continue
		}
		_, err := v.Store.GetEntityByKey(ctx, key)
		switch {
		case err == nil:
			support += 0.5
		case errors.Is(err, store.ErrNotFound):
		default:
			return 0, err
		}
	}
	return support, nil
}
