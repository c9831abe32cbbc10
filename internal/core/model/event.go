package model

import "time"

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Position is an opaque, totally ordered marker within a single source
// partition. Positions from different partitions are not comparable.
type Position struct {
	Partition string `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (p Position) IsZero() bool {
	return p.Partition == "" && p.Offset == 0
}

// AtOrBefore reports whether p was committed at or before o. Always false
// across partitions, so cross-partition duplicates are never assumed.
func (p Position) AtOrBefore(o Position) bool {
	return p.Partition == o.Partition && p.Offset <= o.Offset
}

func (p Position) Before(o Position) bool {
	return p.Partition == o.Partition && p.Offset < o.Offset
}

// ChangeEvent is one row-level change captured from a transactional source.
type ChangeEvent struct {
	Table     string                 `json:"table"`
	Operation Operation              `json:"operation"`
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	Position  Position               `json:"position"`
	Timestamp time.Time              `json:"timestamp"`
}

// Image returns the row image the operation applies to: the after image for
// inserts and updates, the before image for deletes.
func (e *ChangeEvent) Image() map[string]interface{} {
	if e.Operation == OpDelete {
		return e.Before
	}
	return e.After
}

type TargetType string

const (
	TargetEntity   TargetType = "entity"
	TargetRelation TargetType = "relation"
)

type EntityPayload struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// RelationPayload references endpoints either by resolved entity id or by
// resolution key; the conflict resolver resolves keys against the store.
type RelationPayload struct {
	SourceID   string                 `json:"source_id,omitempty"`
	TargetID   string                 `json:"target_id,omitempty"`
	SourceKey  ResolutionKey          `json:"source_key,omitempty"`
	TargetKey  ResolutionKey          `json:"target_key,omitempty"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// UpdateRequest is the unit of work flowing from the normalizer through the
// conflict resolver. TargetID is empty for not-yet-resolved entities.
type UpdateRequest struct {
	TargetType  TargetType       `json:"target_type"`
	TargetID    string           `json:"target_id,omitempty"`
	Operation   Operation        `json:"operation"`
	Entity      *EntityPayload   `json:"entity,omitempty"`
	Relation    *RelationPayload `json:"relation,omitempty"`
	Confidence  float64          `json:"confidence"`
	DerivedFrom Position         `json:"derived_from"`
	Timestamp   time.Time        `json:"timestamp"`
	SourceRef   string           `json:"source_ref,omitempty"`
}

// SerializationKey is the single-writer queue key for this request: the
// target entity id when known, otherwise the pre-creation resolution key.
// Relation requests serialize on their source endpoint.
func (r *UpdateRequest) SerializationKey() string {
	if r.TargetType == TargetRelation && r.Relation != nil {
		if r.Relation.SourceID != "" {
			return "id:" + r.Relation.SourceID
		}
		return "key:" + r.Relation.SourceKey.String()
	}
	if r.TargetID != "" {
		return "id:" + r.TargetID
	}
	if r.Entity != nil {
		return "key:" + NewResolutionKey(r.Entity.Name, r.Entity.Type).String()
	}
	return ""
}

type ApplyStatus string

const (
	StatusApplied    ApplyStatus = "applied"
	StatusConflicted ApplyStatus = "conflicted"
	StatusRejected   ApplyStatus = "rejected"
)

type ApplyResult struct {
	Status   ApplyStatus `json:"status"`
	Entity   *Entity     `json:"entity,omitempty"`
	Relation *Relation   `json:"relation,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Err      error       `json:"-"`
}
