package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/model"
)

func testMapping() config.NormalizeConfig {
	return config.NormalizeConfig{
		Tables: []config.TableMapping{
			{
				Table:             "people",
				EntityType:        "person",
				IDColumn:          "id",
				NameColumn:        "full_name",
				ConfidenceColumn:  "confidence",
				DefaultConfidence: 0.8,
				PropertyColumns:   []string{"title", "city"},
				TextColumn:        "bio",
				Relations: []config.RelationMapping{
					{Type: "works_at", TargetColumn: "employer", TargetType: "organization"},
				},
			},
		},
	}
}

func event(table string, op model.Operation, row map[string]interface{}, offset int64) *model.ChangeEvent {
	ev := &model.ChangeEvent{
		Table:     table,
		Operation: op,
		Position:  model.Position{Partition: "cdc." + table, Offset: offset},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if op == model.OpDelete {
		ev.Before = row
	} else {
		ev.After = row
	}
	return ev
}

func TestNormalizeInsert(t *testing.T) {
	n := NewNormalizer(testMapping())

	reqs, err := n.Normalize(event("people", model.OpInsert, map[string]interface{}{
		"id":        float64(7),
		"full_name": "Zhang Wei",
		"title":     "Engineer",
		"employer":  "Acme",
	}, 1))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	ent := reqs[0]
	assert.Equal(t, model.TargetEntity, ent.TargetType)
	assert.Equal(t, "Zhang Wei", ent.Entity.Name)
	assert.Equal(t, "person", ent.Entity.Type)
	assert.Equal(t, "Engineer", ent.Entity.Properties["title"])
	assert.Equal(t, 0.8, ent.Confidence)
	assert.Equal(t, "people/7", ent.SourceRef)
	assert.Equal(t, int64(1), ent.DerivedFrom.Offset)

	rel := reqs[1]
	assert.Equal(t, model.TargetRelation, rel.TargetType)
	assert.Equal(t, model.NewResolutionKey("Zhang Wei", "person"), rel.Relation.SourceKey)
	assert.Equal(t, model.NewResolutionKey("Acme", "organization"), rel.Relation.TargetKey)
	assert.Equal(t, "works_at", rel.Relation.Type)
}

func TestNormalizeConfidenceColumnOverridesDefault(t *testing.T) {
	n := NewNormalizer(testMapping())

	reqs, err := n.Normalize(event("people", model.OpUpdate, map[string]interface{}{
		"full_name":  "Zhang Wei",
		"confidence": 0.95,
	}, 2))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, 0.95, reqs[0].Confidence)
}

func TestNormalizeDeleteUsesBeforeImageAndSkipsRelations(t *testing.T) {
	n := NewNormalizer(testMapping())

	reqs, err := n.Normalize(event("people", model.OpDelete, map[string]interface{}{
		"full_name": "Zhang Wei",
		"employer":  "Acme",
	}, 3))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.OpDelete, reqs[0].Operation)
}

func TestNormalizeUnmappedTableIsSkipped(t *testing.T) {
	n := NewNormalizer(testMapping())

	reqs, err := n.Normalize(event("audits", model.OpInsert, map[string]interface{}{"x": 1}, 1))
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestNormalizeMissingNameColumnIsSchemaDrift(t *testing.T) {
	n := NewNormalizer(testMapping())

	_, err := n.Normalize(event("people", model.OpInsert, map[string]interface{}{
		"renamed_name": "Zhang Wei",
	}, 1))
	require.Error(t, err)
	var drift *model.SchemaDriftError
	assert.ErrorAs(t, err, &drift)
	assert.Equal(t, "people", drift.Table)
}

func TestText(t *testing.T) {
	n := NewNormalizer(testMapping())

	text, ok := n.Text(event("people", model.OpInsert, map[string]interface{}{
		"full_name": "Zhang Wei",
		"bio":       "Zhang Wei works at Acme.",
	}, 1))
	require.True(t, ok)
	assert.Equal(t, "Zhang Wei works at Acme.", text)

	_, ok = n.Text(event("people", model.OpInsert, map[string]interface{}{
		"full_name": "Zhang Wei",
	}, 2))
	assert.False(t, ok)
}
