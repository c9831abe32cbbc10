package model

// PathEdge is one hop of a reasoning path.
type PathEdge struct {
	RelationID string  `json:"relation_id"`
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Path carries its confidence as the product of edge confidences, so
// confidence decays monotonically with length.
type Path struct {
	Edges      []PathEdge `json:"edges"`
	Confidence float64    `json:"confidence"`
}

// PathResult is the outcome of a bounded path search. Truncated is set when
// the deadline elapsed before the search space was exhausted; the paths found
// so far are still returned.
type PathResult struct {
	Paths     []Path `json:"paths"`
	Truncated bool   `json:"truncated"`
}
