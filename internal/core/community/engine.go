package community

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/store"
)

// Mirror receives the published community set after each run. Failures are
// logged, never fatal: the mirror is a read model, not the system of record.
type Mirror interface {
	SyncCommunities(ctx context.Context, communities []model.Community) error
}

// Engine runs the configured detectors over a snapshot and publishes the
// ensemble partition. Clustering never reads live pipeline state: it works on
// the snapshot and swaps the community set in one call, so queries see either
// the old partition or the new one, never a mix.
type Engine struct {
	Store          store.KnowledgeStore
	Detectors      []Detector
	Interval       time.Duration
	DeltaThreshold float64
	IDGen          func() string
	Mirror         Mirror

	logger *zap.Logger

	mu        sync.Mutex
	lastRun   time.Time
	previous  map[string]map[string]string
	stability map[string]float64
}

func NewEngine(s store.KnowledgeStore, cfg config.ClusteringConfig, logger *zap.Logger) *Engine {
	var detectors []Detector
	for _, name := range cfg.Algorithms {
		switch name {
		case "label_propagation":
			detectors = append(detectors, NewLabelPropagation())
		case "modularity":
			detectors = append(detectors, NewGreedyModularity())
		}
	}
	if len(detectors) == 0 {
		detectors = append(detectors, NewLabelPropagation())
	}
	return &Engine{
		Store:          s,
		Detectors:      detectors,
		Interval:       time.Duration(cfg.IntervalSeconds) * time.Second,
		DeltaThreshold: cfg.DeltaThreshold,
		IDGen:          uuid.NewString,
		logger:         logger.Named("community"),
		previous:       make(map[string]map[string]string),
		stability:      make(map[string]float64),
	}
}

// Run recomputes communities from a fresh snapshot and swaps them in.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.Store.Snapshot(ctx)
	if err != nil {
		return err
	}

	assignments := make(map[string]map[string]string, len(e.Detectors))
	for _, d := range e.Detectors {
		assign, err := d.Detect(snap)
		if err != nil {
			return err
		}
		assignments[d.Name()] = assign
		e.stability[d.Name()] = agreement(snap, e.previous[d.Name()], assign)
	}

	final := e.consensus(snap, assignments)

	now := time.Now().UTC()
	totalWeight := 0.0
	weighted := 0.0
	for _, d := range e.Detectors {
		w := e.weight(d.Name())
		totalWeight += w
		weighted += w * e.stability[d.Name()]
	}
	runStability := 1.0
	if totalWeight > 0 {
		runStability = weighted / totalWeight
	}

	communities := make([]model.Community, 0, len(final))
	algorithm := "ensemble"
	if len(e.Detectors) == 1 {
		algorithm = e.Detectors[0].Name()
	}
	for _, members := range final {
		communities = append(communities, model.Community{
			ID:             e.IDGen(),
			MemberIDs:      members,
			Algorithm:      algorithm,
			StabilityScore: runStability,
			ComputedAt:     now,
		})
	}

	if err := e.Store.ReplaceCommunities(ctx, communities); err != nil {
		return err
	}
	if e.Mirror != nil {
		if err := e.Mirror.SyncCommunities(ctx, communities); err != nil {
			e.logger.Warn("mirror sync failed", zap.Error(err))
		}
	}

	e.previous = assignments
	e.lastRun = now
	e.logger.Info("communities recomputed",
		zap.Int("communities", len(communities)),
		zap.Int("entities", len(snap.Entities)),
		zap.Float64("stability", runStability))
	return nil
}

// MaybeRun recomputes when the schedule is due or when enough of the graph
// mutated since the last run. Returns whether a run happened.
func (e *Engine) MaybeRun(ctx context.Context) (bool, error) {
	e.mu.Lock()
	last := e.lastRun
	e.mu.Unlock()

	due := last.IsZero() || time.Since(last) >= e.Interval
	if !due && e.DeltaThreshold > 0 {
		mutated, total, err := e.Store.MutatedSince(ctx, last)
		if err != nil {
			return false, err
		}
		if total > 0 && float64(mutated)/float64(total) >= e.DeltaThreshold {
			due = true
		}
	}
	if !due {
		return false, nil
	}
	return true, e.Run(ctx)
}

// Start blocks, recomputing on the configured cadence until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	tick := e.Interval / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.MaybeRun(ctx); err != nil {
				e.logger.Warn("community recompute failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) weight(detector string) float64 {
	w := e.stability[detector]
	// A detector that just reshuffled everything still gets a small vote.
	if w < 0.1 {
		w = 0.1
	}
	return w
}

// consensus unions entity pairs that a stability-weighted majority of
// detectors place together. Only pairs connected by a relation are voted on,
// which keeps the pass linear in the edge count. Singleton components are
// dropped.
func (e *Engine) consensus(snap *model.GraphSnapshot, assignments map[string]map[string]string) [][]string {
	parent := make(map[string]string, len(snap.Entities))
	for _, ent := range snap.Entities {
		parent[ent.ID] = ent.ID
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra < rb {
				parent[rb] = ra
			} else {
				parent[ra] = rb
			}
		}
	}

	total := 0.0
	for _, d := range e.Detectors {
		total += e.weight(d.Name())
	}

	for _, r := range snap.Relations {
		if _, ok := parent[r.SourceID]; !ok {
			continue
		}
		if _, ok := parent[r.TargetID]; !ok {
			continue
		}
		vote := 0.0
		for _, d := range e.Detectors {
			assign := assignments[d.Name()]
			if assign[r.SourceID] != "" && assign[r.SourceID] == assign[r.TargetID] {
				vote += e.weight(d.Name())
			}
		}
		if vote > total/2 {
			union(r.SourceID, r.TargetID)
		}
	}

	groups := make(map[string][]string)
	for id := range parent {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	var out [][]string
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// agreement measures how consistently two partitions decide, for every edge
// of the snapshot, whether its endpoints share a community. No prior
// partition means perfect agreement.
func agreement(snap *model.GraphSnapshot, prev, cur map[string]string) float64 {
	if len(prev) == 0 {
		return 1.0
	}

	checked := 0
	same := 0
	for _, r := range snap.Relations {
		pu, ok1 := prev[r.SourceID]
		pv, ok2 := prev[r.TargetID]
		cu, ok3 := cur[r.SourceID]
		cv, ok4 := cur[r.TargetID]
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		checked++
		if (pu == pv) == (cu == cv) {
			same++
		}
	}
	if checked == 0 {
		return 1.0
	}
	return float64(same) / float64(checked)
}
