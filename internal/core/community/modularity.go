package community

import (
	"sort"

	"github.com/agenthands/loom/internal/core/model"
)

// GreedyModularity implements agglomerative modularity maximization: every
// entity starts in its own community and the merge with the best positive
// modularity gain is applied until no gain remains.
type GreedyModularity struct{}

func NewGreedyModularity() *GreedyModularity { return &GreedyModularity{} }

func (d *GreedyModularity) Name() string { return "modularity" }

func (d *GreedyModularity) Detect(snap *model.GraphSnapshot) (map[string]string, error) {
	if len(snap.Entities) == 0 {
		return nil, nil
	}

	known := make(map[string]bool, len(snap.Entities))
	ids := make([]string, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		known[e.ID] = true
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	// comm[id] is the community an entity currently belongs to; degree and
	// crossEdges track per-community degree sums and inter-community edge
	// counts for the modularity gain formula.
	comm := make(map[string]string, len(ids))
	degree := make(map[string]float64)
	crossEdges := make(map[[2]string]float64)
	m := 0.0

	for _, id := range ids {
		comm[id] = id
	}
	for _, r := range snap.Relations {
		if !known[r.SourceID] || !known[r.TargetID] || r.SourceID == r.TargetID {
			continue
		}
		m++
		degree[r.SourceID]++
		degree[r.TargetID]++
		crossEdges[pairKey(r.SourceID, r.TargetID)]++
	}
	if m == 0 {
		return comm, nil
	}

	for {
		// Find the connected community pair with the largest gain:
		// dQ = e_cd/m - d_c*d_d/(2m^2).
		bestGain := 0.0
		var bestPair [2]string
		pairs := make([][2]string, 0, len(crossEdges))
		for p := range crossEdges {
			pairs = append(pairs, p)
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i][0] != pairs[j][0] {
				return pairs[i][0] < pairs[j][0]
			}
			return pairs[i][1] < pairs[j][1]
		})
		for _, p := range pairs {
			gain := crossEdges[p]/m - degree[p[0]]*degree[p[1]]/(2*m*m)
			if gain > bestGain {
				bestGain = gain
				bestPair = p
			}
		}
		if bestGain <= 0 {
			break
		}

		// Merge the smaller label into the larger so labels stay stable.
		winner, loser := bestPair[0], bestPair[1]
		for _, id := range ids {
			if comm[id] == loser {
				comm[id] = winner
			}
		}
		degree[winner] += degree[loser]
		delete(degree, loser)
		for p, w := range crossEdges {
			if p[0] != loser && p[1] != loser {
				continue
			}
			delete(crossEdges, p)
			other := p[0]
			if other == loser {
				other = p[1]
			}
			if other == winner {
				continue
			}
			crossEdges[pairKey(winner, other)] += w
		}
	}

	return comm, nil
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}
