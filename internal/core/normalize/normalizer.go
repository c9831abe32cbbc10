// Package normalize maps raw change events onto domain update requests.
// It is a pure mapping layer: no store access, no side effects.
package normalize

import (
	"fmt"
	"strconv"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/model"
)

type Normalizer struct {
	mappings map[string]config.TableMapping
}

func NewNormalizer(cfg config.NormalizeConfig) *Normalizer {
	m := make(map[string]config.TableMapping, len(cfg.Tables))
	for _, t := range cfg.Tables {
		m[t.Table] = t
	}
	return &Normalizer{mappings: m}
}

// Normalize turns one change event into zero or more update requests.
// Unmapped tables yield nothing; a mapped table whose row is missing the
// configured name column is schema drift, which quarantines that table's
// stream upstream. Deletes propagate as soft-delete requests, never removal.
func (n *Normalizer) Normalize(ev *model.ChangeEvent) ([]model.UpdateRequest, error) {
	mapping, ok := n.mappings[ev.Table]
	if !ok {
		return nil, nil
	}

	img := ev.Image()
	if img == nil {
		return nil, &model.SchemaDriftError{Table: ev.Table,
			Err: fmt.Errorf("event has no row image for %s", ev.Operation)}
	}
	name, ok := img[mapping.NameColumn].(string)
	if !ok || name == "" {
		return nil, &model.SchemaDriftError{Table: ev.Table,
			Err: fmt.Errorf("missing name column %q", mapping.NameColumn)}
	}

	confidence := mapping.DefaultConfidence
	if confidence == 0 {
		confidence = 1.0
	}
	if mapping.ConfidenceColumn != "" {
		if v, ok := toFloat(img[mapping.ConfidenceColumn]); ok {
			confidence = v
		}
	}

	sourceRef := ev.Table
	if mapping.IDColumn != "" {
		if id, ok := img[mapping.IDColumn]; ok {
			sourceRef = fmt.Sprintf("%s/%v", ev.Table, id)
		}
	}

	entityOp := model.OpUpdate
	if ev.Operation == model.OpInsert {
		entityOp = model.OpInsert
	}
	if ev.Operation == model.OpDelete {
		entityOp = model.OpDelete
	}

	props := make(map[string]interface{})
	for _, col := range mapping.PropertyColumns {
		if v, ok := img[col]; ok && v != nil {
			props[col] = v
		}
	}

	reqs := []model.UpdateRequest{{
		TargetType: model.TargetEntity,
		Operation:  entityOp,
		Entity: &model.EntityPayload{
			Name:       name,
			Type:       mapping.EntityType,
			Properties: props,
		},
		Confidence:  confidence,
		DerivedFrom: ev.Position,
		Timestamp:   ev.Timestamp,
		SourceRef:   sourceRef,
	}}

	// Column-mapped relations. Skipped on delete: the soft-deleted entity
	// keeps its relations for integrity, they just stop resolving.
	if ev.Operation != model.OpDelete {
		for _, rm := range mapping.Relations {
			srcCol := rm.SourceColumn
			if srcCol == "" {
				srcCol = mapping.NameColumn
			}
			srcType := rm.SourceType
			if srcType == "" {
				srcType = mapping.EntityType
			}
			srcName, _ := img[srcCol].(string)
			tgtName, _ := img[rm.TargetColumn].(string)
			if srcName == "" || tgtName == "" {
				continue
			}
			reqs = append(reqs, model.UpdateRequest{
				TargetType: model.TargetRelation,
				Operation:  model.OpInsert,
				Relation: &model.RelationPayload{
					SourceKey: model.NewResolutionKey(srcName, srcType),
					TargetKey: model.NewResolutionKey(tgtName, rm.TargetType),
					Type:      rm.Type,
				},
				Confidence:  confidence,
				DerivedFrom: ev.Position,
				Timestamp:   ev.Timestamp,
				SourceRef:   sourceRef,
			})
		}
	}

	return reqs, nil
}

// Text returns the free-text payload of an event for relation extraction,
// when the table mapping declares one.
func (n *Normalizer) Text(ev *model.ChangeEvent) (string, bool) {
	mapping, ok := n.mappings[ev.Table]
	if !ok || mapping.TextColumn == "" {
		return "", false
	}
	img := ev.Image()
	if img == nil {
		return "", false
	}
	s, ok := img[mapping.TextColumn].(string)
	return s, ok && s != ""
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
