// Package query answers read-side questions over the knowledge graph.
package query

import (
	"context"
	"errors"
	"sort"

	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

// MaxPaths caps how many paths a single traversal collects before it reports
// truncation.
const MaxPaths = 64

type Engine struct {
	Store store.KnowledgeStore
}

func NewEngine(s store.KnowledgeStore) *Engine {
	return &Engine{Store: s}
}

// FindPaths enumerates simple paths from source to target up to maxDepth hops,
// pruning any prefix whose confidence product falls below minConfidence.
// When the context deadline cuts the traversal short, the result carries what
// was found so far with Truncated set rather than an error.
func (e *Engine) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int, minConfidence float64) (*model.PathResult, error) {
	src, err := e.Store.GetEntity(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	tgt, err := e.Store.GetEntity(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if src.Deleted() || tgt.Deleted() {
		return nil, store.ErrNotFound
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	result := &model.PathResult{}
	onPath := map[string]bool{src.ID: true}

	var walk func(from string, depth int, conf float64, edges []model.PathEdge) error
	walk = func(from string, depth int, conf float64, edges []model.PathEdge) error {
		if err := ctx.Err(); err != nil {
			result.Truncated = true
			return err
		}
		if depth == maxDepth {
			return nil
		}

		rels, err := e.Store.RelationsFrom(ctx, from)
		if err != nil {
			return err
		}
		// Stronger edges first so the best paths survive the path cap.
		sort.Slice(rels, func(i, j int) bool {
			if rels[i].Confidence != rels[j].Confidence {
				return rels[i].Confidence > rels[j].Confidence
			}
			return rels[i].ID < rels[j].ID
		})

		for i := range rels {
			r := &rels[i]
			next := conf * r.Confidence
			if next < minConfidence {
				continue
			}
			if onPath[r.TargetID] {
				continue
			}
			edge := model.PathEdge{
				RelationID: r.ID,
				SourceID:   r.SourceID,
				TargetID:   r.TargetID,
				Type:       r.Type,
				Confidence: r.Confidence,
			}
			if r.TargetID == tgt.ID {
				if len(result.Paths) >= MaxPaths {
					result.Truncated = true
					return nil
				}
				path := model.Path{
					Edges:      append(append([]model.PathEdge(nil), edges...), edge),
					Confidence: next,
				}
				result.Paths = append(result.Paths, path)
				continue
			}
			onPath[r.TargetID] = true
			err := walk(r.TargetID, depth+1, next, append(edges, edge))
			delete(onPath, r.TargetID)
			if err != nil {
				return err
			}
		}
		return nil
	}

	err = walk(src.ID, 0, 1.0, nil)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	sort.Slice(result.Paths, func(i, j int) bool {
		if result.Paths[i].Confidence != result.Paths[j].Confidence {
			return result.Paths[i].Confidence > result.Paths[j].Confidence
		}
		return len(result.Paths[i].Edges) < len(result.Paths[j].Edges)
	})
	return result, nil
}

// Neighborhood returns the entities within one hop of id together with the
// connecting relations, skipping edges below minConfidence.
func (e *Engine) Neighborhood(ctx context.Context, id string, minConfidence float64) ([]model.Entity, []model.Relation, error) {
	center, err := e.Store.GetEntity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rels, err := e.Store.RelationsFrom(ctx, center.ID)
	if err != nil {
		return nil, nil, err
	}

	var outRels []model.Relation
	var neighbors []model.Entity
	seen := map[string]bool{center.ID: true}
	for i := range rels {
		r := rels[i]
		if r.Confidence < minConfidence {
			continue
		}
		outRels = append(outRels, r)
		if seen[r.TargetID] {
			continue
		}
		seen[r.TargetID] = true
		n, err := e.Store.GetEntity(ctx, r.TargetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		neighbors = append(neighbors, *n)
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].ID < neighbors[j].ID })
	return neighbors, outRels, nil
}
