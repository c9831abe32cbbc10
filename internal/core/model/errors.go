package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDanglingRelation marks a relation update whose endpoint does not
	// resolve to a non-deleted entity. The pipeline retries these within a
	// bounded window to tolerate out-of-order multi-table commits.
	ErrDanglingRelation = errors.New("relation endpoint missing or deleted")

	// ErrConflictUnresolvable marks a conflict where no deterministic
	// tie-break fires. These go to the audit log, never block the pipeline.
	ErrConflictUnresolvable = errors.New("conflict has no deterministic resolution")

	// ErrStructuralConflict marks an update that would violate a structural
	// rule, e.g. a cycle through an acyclic relation type.
	ErrStructuralConflict = errors.New("update would violate structural rule")
)

// TransientError wraps a source-side failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SchemaDriftError is fatal for a single table's stream: the stream is
// quarantined and requires operator intervention, other tables continue.
type SchemaDriftError struct {
	Table string
	Err   error
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift on table %q: %v", e.Table, e.Err)
}

func (e *SchemaDriftError) Unwrap() error { return e.Err }

// AuditEntry records an update the pipeline could not or refused to apply
// automatically, queued for manual review.
type AuditEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "unresolvable", "structural", "dangling"
	TargetID  string    `json:"target_id,omitempty"`
	Message   string    `json:"message"`
	Position  Position  `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}
