package model

import (
	"strings"
	"time"
)

type EntityState string

const (
	StateCandidate EntityState = "candidate"
	StateActive    EntityState = "active"
	StateMerged    EntityState = "merged"
	StateDeleted   EntityState = "deleted"
)

// PropertyValue carries the provenance needed for deterministic
// confidence-weighted merging: the winner between two values for the same key
// depends only on (confidence, timestamp, value), never on arrival order.
type PropertyValue struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
}

type Entity struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Type         string                   `json:"type"`
	Properties   map[string]PropertyValue `json:"properties,omitempty"`
	Confidence   float64                  `json:"confidence"`
	SourceRefs   []string                 `json:"source_refs,omitempty"`
	Version      int64                    `json:"version"`
	State        EntityState              `json:"state"`
	MergedInto   string                   `json:"merged_into,omitempty"`
	LastPosition Position                 `json:"last_position"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

func (e *Entity) Deleted() bool {
	return e.State == StateDeleted
}

// Clone returns a copy whose Properties map and SourceRefs slice are not
// shared with the receiver, so callers can mutate one without racing readers
// of the other.
func (e *Entity) Clone() *Entity {
	cp := *e
	if e.Properties != nil {
		cp.Properties = make(map[string]PropertyValue, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	cp.SourceRefs = append([]string(nil), e.SourceRefs...)
	return &cp
}

func (e *Entity) Key() ResolutionKey {
	return NewResolutionKey(e.Name, e.Type)
}

// AddSourceRef appends ref unless already present.
func (e *Entity) AddSourceRef(ref string) {
	if ref == "" {
		return
	}
	for _, r := range e.SourceRefs {
		if r == ref {
			return
		}
	}
	e.SourceRefs = append(e.SourceRefs, ref)
}

// ResolutionKey is the normalized (name, type) pair that entity resolution is
// serialized on. Two updates that normalize to the same key can never create
// two entities.
type ResolutionKey struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func NewResolutionKey(name, entityType string) ResolutionKey {
	return ResolutionKey{
		Name: strings.Join(strings.Fields(strings.ToLower(name)), " "),
		Type: strings.ToLower(strings.TrimSpace(entityType)),
	}
}

func (k ResolutionKey) IsZero() bool {
	return k.Name == "" && k.Type == ""
}

func (k ResolutionKey) String() string {
	return k.Type + "/" + k.Name
}
