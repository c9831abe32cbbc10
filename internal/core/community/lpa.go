package community

import (
	"sort"

	"github.com/agenthands/loom/internal/core/model"
)

// Detector partitions a graph snapshot into communities, returning an
// entity id -> community label assignment. Labels only need to be stable
// within one run; the engine never compares labels across detectors.
type Detector interface {
	Name() string
	Detect(snap *model.GraphSnapshot) (map[string]string, error)
}

// LabelPropagation implements community detection via label propagation.
type LabelPropagation struct {
	MaxIterations int
}

func NewLabelPropagation() *LabelPropagation {
	return &LabelPropagation{MaxIterations: 20}
}

func (d *LabelPropagation) Name() string { return "label_propagation" }

func (d *LabelPropagation) Detect(snap *model.GraphSnapshot) (map[string]string, error) {
	if len(snap.Entities) == 0 {
		return nil, nil
	}

	// Undirected adjacency weighted by edge multiplicity.
	adj := make(map[string]map[string]int)
	for _, e := range snap.Entities {
		adj[e.ID] = make(map[string]int)
	}
	for _, r := range snap.Relations {
		if _, ok := adj[r.SourceID]; !ok {
			continue
		}
		if _, ok := adj[r.TargetID]; !ok {
			continue
		}
		adj[r.SourceID][r.TargetID]++
		adj[r.TargetID][r.SourceID]++
	}

	// Each entity starts with its own label.
	labels := make(map[string]string, len(snap.Entities))
	ids := make([]string, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		labels[e.ID] = e.ID
		ids = append(ids, e.ID)
	}
	// Fixed processing order keeps the partition reproducible across runs on
	// the same snapshot.
	sort.Strings(ids)

	for iter := 0; iter < d.MaxIterations; iter++ {
		changed := 0

		for _, u := range ids {
			neighbors := adj[u]
			if len(neighbors) == 0 {
				continue
			}

			labelCounts := make(map[string]int)
			maxCount := 0
			for v, weight := range neighbors {
				label := labels[v]
				labelCounts[label] += weight
				if labelCounts[label] > maxCount {
					maxCount = labelCounts[label]
				}
			}

			var candidates []string
			for label, count := range labelCounts {
				if count == maxCount {
					candidates = append(candidates, label)
				}
			}
			// Ties break to the lexicographically largest label.
			sort.Strings(candidates)
			best := candidates[len(candidates)-1]

			if labels[u] != best {
				labels[u] = best
				changed++
			}
		}

		if changed == 0 {
			break
		}
	}

	return labels, nil
}
