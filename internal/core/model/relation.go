package model

import "time"

type Relation struct {
	ID           string                   `json:"id"`
	SourceID     string                   `json:"source_id"`
	TargetID     string                   `json:"target_id"`
	Type         string                   `json:"type"`
	Properties   map[string]PropertyValue `json:"properties,omitempty"`
	Confidence   float64                  `json:"confidence"`
	Version      int64                    `json:"version"`
	Deleted      bool                     `json:"deleted"`
	DerivedFrom  Position                 `json:"derived_from"`
	LastPosition Position                 `json:"last_position"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

func (r *Relation) Key() RelationKey {
	return RelationKey{SourceID: r.SourceID, TargetID: r.TargetID, Type: r.Type}
}

// Clone returns a copy with its own Properties map.
func (r *Relation) Clone() *Relation {
	cp := *r
	if r.Properties != nil {
		cp.Properties = make(map[string]PropertyValue, len(r.Properties))
		for k, v := range r.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// RelationKey identifies a relation by its ordered endpoint pair and type.
// Candidate deduplication and contradiction checks operate on this key.
type RelationKey struct {
	SourceID string
	TargetID string
	Type     string
}

// RelationCandidate is a scored relation proposal produced by an extraction
// strategy, before validation and conflict resolution.
type RelationCandidate struct {
	SourceKey  ResolutionKey          `json:"source_key"`
	TargetKey  ResolutionKey          `json:"target_key"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Scoring signals, each in [0,1]. Overall confidence is a weighted sum
	// computed by the validator.
	Mention        float64 `json:"mention"`
	Inferred       float64 `json:"inferred"`
	ContextSupport float64 `json:"context_support"`
	Validation     float64 `json:"validation"`

	Confidence       float64 `json:"confidence"`
	NeedsEnhancement bool    `json:"needs_enhancement"`
	Origin           string  `json:"origin"` // "pattern" or "model"
}
