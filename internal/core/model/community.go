package model

import "time"

// Community is derived, disposable state: each clustering run fully replaces
// the previous assignment, and the graph can always be re-clustered from the
// knowledge store.
type Community struct {
	ID             string    `json:"id"`
	MemberIDs      []string  `json:"member_ids"`
	Algorithm      string    `json:"algorithm"`
	StabilityScore float64   `json:"stability_score"`
	ComputedAt     time.Time `json:"computed_at"`
}

// GraphSnapshot is a point-in-time, read-only copy of the live graph handed
// to the clustering and query engines. Mutating it has no effect on the store.
type GraphSnapshot struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	TakenAt   time.Time  `json:"taken_at"`
}
