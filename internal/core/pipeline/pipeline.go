// Package pipeline wires ingestion, normalization, extraction, resolution and
// conflict handling into the single-writer update path.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/conflict"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/core/normalize"
	"github.com/agenthands/loom/internal/core/relation"
	"github.com/agenthands/loom/internal/core/resolve"
	"github.com/agenthands/loom/internal/ingest"
	"github.com/agenthands/loom/internal/metrics"
	"github.com/agenthands/loom/internal/store"
)

// Mirror receives best-effort copies of applied mutations, typically a graph
// database used for ad-hoc Cypher exploration. Mirror failures never fail
// the pipeline.
type Mirror interface {
	SyncEntity(ctx context.Context, e *model.Entity) error
	SyncRelation(ctx context.Context, r *model.Relation) error
}

type task struct {
	req     *model.UpdateRequest
	wg      *sync.WaitGroup
	respond chan model.ApplyResult
	// expire bounds dangling-relation retries; zero for first delivery.
	expire time.Time
}

type Pipeline struct {
	Normalizer *normalize.Normalizer
	Strategies []relation.Strategy
	Validator  *relation.Validator
	Conflicts  *conflict.Resolver
	Entities   *resolve.Resolver
	Store      store.KnowledgeStore
	Checkpoint store.CheckpointStore
	Metrics    *metrics.Metrics
	Mirror     Mirror

	cfg    config.PipelineConfig
	logger *zap.Logger
	queues []chan task

	// admin serializes maintenance operations (verify, merge) against the
	// worker pool: workers hold it shared per task, admin ops exclusively.
	admin sync.RWMutex

	quarMu      sync.Mutex
	quarantined map[string]bool

	retryMu sync.Mutex
	retries []task
	// holds counts, per partition, the requests parked in the retry queue or
	// re-enqueued from it. While a partition has holds its checkpoint is
	// withheld: the retry queue is memory-only, and advancing past the
	// originating event would lose the relation on a crash.
	holds map[string]int
}

type Options struct {
	Normalizer *normalize.Normalizer
	Strategies []relation.Strategy
	Validator  *relation.Validator
	Conflicts  *conflict.Resolver
	Entities   *resolve.Resolver
	Store      store.KnowledgeStore
	Checkpoint store.CheckpointStore
	Metrics    *metrics.Metrics
	Mirror     Mirror
	Config     config.PipelineConfig
	Logger     *zap.Logger
}

func New(opts Options) *Pipeline {
	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	p := &Pipeline{
		Normalizer:  opts.Normalizer,
		Strategies:  opts.Strategies,
		Validator:   opts.Validator,
		Conflicts:   opts.Conflicts,
		Entities:    opts.Entities,
		Store:       opts.Store,
		Checkpoint:  opts.Checkpoint,
		Metrics:     opts.Metrics,
		Mirror:      opts.Mirror,
		cfg:         cfg,
		logger:      opts.Logger.Named("pipeline"),
		quarantined: make(map[string]bool),
		holds:       make(map[string]int),
	}
	p.queues = make([]chan task, cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan task, cfg.QueueDepth)
	}
	return p
}

// Start launches the worker pool and the dangling-relation retry loop. It
// returns when ctx is done and all workers have drained.
func (p *Pipeline) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.queues {
		q := p.queues[i]
		g.Go(func() error {
			p.worker(ctx, q)
			return nil
		})
	}
	g.Go(func() error {
		p.retryLoop(ctx)
		return nil
	})
	return g.Wait()
}

// route picks the worker queue for a request. Requests with the same
// serialization key always land on the same queue, which is what makes every
// entity single-writer.
func (p *Pipeline) route(key string) chan task {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.queues[int(h.Sum32())%len(p.queues)]
}

func (p *Pipeline) enqueue(ctx context.Context, t task) error {
	p.Metrics.QueueDepth.Inc()
	select {
	case <-ctx.Done():
		p.Metrics.QueueDepth.Dec()
		return ctx.Err()
	case p.route(t.req.SerializationKey()) <- t:
		return nil
	}
}

func (p *Pipeline) worker(ctx context.Context, q chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q:
			p.Metrics.QueueDepth.Dec()
			p.handle(ctx, t)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, t task) {
	p.admin.RLock()
	res := p.applyWithRetry(ctx, t.req)
	p.admin.RUnlock()

	if res.Err != nil && errors.Is(res.Err, model.ErrDanglingRelation) {
		if p.scheduleDanglingRetry(t, res) {
			// The retry loop owns the task now; the batch barrier moves on,
			// but the hold keeps the partition's checkpoint from advancing.
			if t.wg != nil {
				t.wg.Done()
			}
			return
		}
		res = p.rejectDangling(ctx, t.req)
	}
	if !t.expire.IsZero() {
		// A retried task reached a final outcome; drop its checkpoint hold.
		p.releaseHold(t.req.DerivedFrom.Partition)
	}

	p.Metrics.ApplyResults.WithLabelValues(string(res.Status)).Inc()
	if res.Status != model.StatusRejected {
		p.mirror(ctx, &res)
	}
	if res.Err != nil && res.Status == model.StatusRejected {
		p.logger.Debug("update rejected",
			zap.String("key", t.req.SerializationKey()),
			zap.String("reason", res.Reason))
	}

	if t.respond != nil {
		t.respond <- res
	}
	if t.wg != nil {
		t.wg.Done()
	}
}

func (p *Pipeline) applyWithRetry(ctx context.Context, req *model.UpdateRequest) model.ApplyResult {
	var res model.ApplyResult
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		res = p.Conflicts.Apply(ctx, req)
		var transient *model.TransientError
		if res.Err != nil && errors.As(res.Err, &transient) {
			return res.Err
		}
		return nil
	}, policy)
	if err != nil && res.Err == nil {
		res = model.ApplyResult{Status: model.StatusRejected, Reason: err.Error(), Err: err}
	}
	return res
}

func (p *Pipeline) scheduleDanglingRetry(t task, res model.ApplyResult) bool {
	window := time.Duration(p.cfg.DanglingRetrySeconds) * time.Second
	if window <= 0 {
		return false
	}
	if t.expire.IsZero() {
		t.expire = time.Now().Add(window)
		p.addHold(t.req.DerivedFrom.Partition)
	} else if time.Now().After(t.expire) {
		return false
	}

	p.Metrics.DanglingRetries.Inc()
	retry := task{req: t.req, respond: t.respond, expire: t.expire}
	p.retryMu.Lock()
	p.retries = append(p.retries, retry)
	p.retryMu.Unlock()
	return true
}

func (p *Pipeline) addHold(partition string) {
	p.retryMu.Lock()
	p.holds[partition]++
	p.retryMu.Unlock()
}

func (p *Pipeline) releaseHold(partition string) {
	p.retryMu.Lock()
	if p.holds[partition] > 0 {
		p.holds[partition]--
	}
	p.retryMu.Unlock()
}

func (p *Pipeline) held(partition string) bool {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	return p.holds[partition] > 0
}

func (p *Pipeline) rejectDangling(ctx context.Context, req *model.UpdateRequest) model.ApplyResult {
	p.Metrics.DanglingRejected.Inc()
	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		Kind:      "dangling",
		Message:   "relation endpoint never appeared within the retry window",
		Position:  req.DerivedFrom,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Store.AppendAudit(ctx, entry); err != nil {
		p.logger.Warn("audit append failed", zap.Error(err))
	}
	return model.ApplyResult{
		Status: model.StatusRejected,
		Reason: "dangling relation",
		Err:    model.ErrDanglingRelation,
	}
}

func (p *Pipeline) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.retryMu.Lock()
			due := p.retries
			p.retries = nil
			p.retryMu.Unlock()

			for _, t := range due {
				if err := p.enqueue(ctx, t); err != nil {
					return
				}
			}
		}
	}
}

func (p *Pipeline) mirror(ctx context.Context, res *model.ApplyResult) {
	if p.Mirror == nil {
		return
	}
	var err error
	switch {
	case res.Entity != nil:
		err = p.Mirror.SyncEntity(ctx, res.Entity)
	case res.Relation != nil:
		err = p.Mirror.SyncRelation(ctx, res.Relation)
	}
	if err != nil {
		p.logger.Warn("mirror sync failed", zap.Error(err))
	}
}

// Run consumes a source until it closes or ctx is done. Checkpoints advance
// only after every update derived from the batch has been durably applied,
// so a crash replays from the last checkpoint and idempotent apply absorbs
// the duplicates.
func (p *Pipeline) Run(ctx context.Context, source ingest.Source) error {
	batch := &sync.WaitGroup{}
	batchCount := 0
	lastPos := make(map[string]model.Position)

	flush := func() error {
		batch.Wait()
		carried := make(map[string]model.Position)
		for part, pos := range lastPos {
			if p.held(part) {
				// A dangling retry from this partition is still in flight;
				// hold the checkpoint back so a crash replays the
				// originating event instead of losing the relation.
				carried[part] = pos
				continue
			}
			if err := p.Checkpoint.Save(ctx, pos); err != nil {
				return err
			}
			if err := source.Commit(ctx, pos); err != nil {
				return err
			}
			p.Metrics.CheckpointOffset.WithLabelValues(pos.Partition).Set(float64(pos.Offset))
		}
		batch = &sync.WaitGroup{}
		batchCount = 0
		lastPos = carried
		return nil
	}

	for {
		ev, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrSourceClosed) {
				return flush()
			}
			var drift *model.SchemaDriftError
			if errors.As(err, &drift) {
				p.quarantine(ctx, drift)
				continue
			}
			if ctx.Err() != nil {
				flush()
				return ctx.Err()
			}
			return err
		}

		if p.isQuarantined(ev.Table) {
			continue
		}

		p.Metrics.RecordsProcessed.WithLabelValues(ev.Position.Partition).Inc()
		if !ev.Timestamp.IsZero() {
			p.Metrics.IngestLag.WithLabelValues(ev.Position.Partition).
				Set(time.Since(ev.Timestamp).Seconds())
		}

		reqs, err := p.Normalizer.Normalize(ev)
		if err != nil {
			var drift *model.SchemaDriftError
			if errors.As(err, &drift) {
				p.quarantine(ctx, drift)
				continue
			}
			return err
		}

		extracted, err := p.extract(ctx, ev, reqs)
		if err != nil {
			p.logger.Warn("relation extraction failed",
				zap.String("table", ev.Table), zap.Error(err))
		}
		reqs = append(reqs, extracted...)

		for i := range reqs {
			batch.Add(1)
			if err := p.enqueue(ctx, task{req: &reqs[i], wg: batch}); err != nil {
				batch.Done()
				return err
			}
		}
		lastPos[ev.Position.Partition] = ev.Position
		batchCount++

		if batchCount >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// extract runs the configured strategies over the event's free text and
// converts accepted candidates into relation update requests. Candidates
// flagged for enhancement are recorded but not applied.
func (p *Pipeline) extract(ctx context.Context, ev *model.ChangeEvent, reqs []model.UpdateRequest) ([]model.UpdateRequest, error) {
	if len(p.Strategies) == 0 {
		return nil, nil
	}
	text, ok := p.Normalizer.Text(ev)
	if !ok {
		return nil, nil
	}

	ec := &relation.ExtractionContext{
		Text:       text,
		Position:   ev.Position,
		Timestamp:  ev.Timestamp,
		Confidence: 1.0,
	}
	for i := range reqs {
		if reqs[i].TargetType == model.TargetEntity && reqs[i].Entity != nil {
			ec.Subject = model.NewResolutionKey(reqs[i].Entity.Name, reqs[i].Entity.Type)
			ec.SourceRef = reqs[i].SourceRef
			ec.Confidence = reqs[i].Confidence
			break
		}
	}

	var candidates []model.RelationCandidate
	for _, s := range p.Strategies {
		found, err := s.Extract(ctx, ec)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, found...)
	}
	validated, err := p.Validator.Validate(ctx, ec.Subject, candidates)
	if err != nil {
		return nil, err
	}

	var out []model.UpdateRequest
	for _, c := range validated {
		if c.NeedsEnhancement {
			entry := model.AuditEntry{
				ID:        uuid.NewString(),
				Kind:      "enhancement",
				Message:   c.SourceKey.String() + " -" + c.Type + "-> " + c.TargetKey.String(),
				Position:  ev.Position,
				CreatedAt: time.Now().UTC(),
			}
			if err := p.Store.AppendAudit(ctx, entry); err != nil {
				p.logger.Warn("audit append failed", zap.Error(err))
			}
			continue
		}
		out = append(out, model.UpdateRequest{
			TargetType: model.TargetRelation,
			Operation:  model.OpInsert,
			Relation: &model.RelationPayload{
				SourceKey:  c.SourceKey,
				TargetKey:  c.TargetKey,
				Type:       c.Type,
				Properties: c.Properties,
			},
			Confidence:  c.Confidence,
			DerivedFrom: ev.Position,
			Timestamp:   ev.Timestamp,
			SourceRef:   ec.SourceRef,
		})
	}
	return out, nil
}

func (p *Pipeline) quarantine(ctx context.Context, drift *model.SchemaDriftError) {
	p.quarMu.Lock()
	already := p.quarantined[drift.Table]
	p.quarantined[drift.Table] = true
	n := len(p.quarantined)
	p.quarMu.Unlock()
	if already {
		return
	}

	p.Metrics.QuarantinedTables.Set(float64(n))
	p.logger.Error("table quarantined for schema drift",
		zap.String("table", drift.Table), zap.Error(drift.Err))
	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		Kind:      "quarantine",
		Message:   "schema drift on table " + drift.Table + ": " + drift.Err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Store.AppendAudit(ctx, entry); err != nil {
		p.logger.Warn("audit append failed", zap.Error(err))
	}
}

func (p *Pipeline) isQuarantined(table string) bool {
	p.quarMu.Lock()
	defer p.quarMu.Unlock()
	return p.quarantined[table]
}

// Quarantined lists tables currently held out of ingestion.
func (p *Pipeline) Quarantined() []string {
	p.quarMu.Lock()
	defer p.quarMu.Unlock()
	out := make([]string, 0, len(p.quarantined))
	for t := range p.quarantined {
		out = append(out, t)
	}
	return out
}

// Submit pushes one update through the single-writer path and waits for its
// outcome. The HTTP API uses this; ordering against stream updates for the
// same entity is preserved because both share the per-key queue.
func (p *Pipeline) Submit(ctx context.Context, req *model.UpdateRequest) (model.ApplyResult, error) {
	respond := make(chan model.ApplyResult, 1)
	if err := p.enqueue(ctx, task{req: req, respond: respond}); err != nil {
		return model.ApplyResult{}, err
	}
	select {
	case <-ctx.Done():
		return model.ApplyResult{}, ctx.Err()
	case res := <-respond:
		return res, nil
	}
}

// VerifyEntity applies an external verification outcome: confidence can only
// go up, and a Candidate is promoted. Runs exclusively against the workers.
func (p *Pipeline) VerifyEntity(ctx context.Context, id string, confidence float64) (*model.Entity, error) {
	p.admin.Lock()
	defer p.admin.Unlock()

	e, err := p.Store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Entities.Verify(e, confidence) {
		return e, nil
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	if err := p.Store.PutEntity(ctx, e); err != nil {
		return nil, err
	}
	if p.Mirror != nil {
		if err := p.Mirror.SyncEntity(ctx, e); err != nil {
			p.logger.Warn("mirror sync failed", zap.Error(err))
		}
	}
	return e, nil
}

// MergeEntities folds dup into survivor and leaves a forwarding alias behind.
// Runs exclusively against the workers so no update lands mid-merge.
func (p *Pipeline) MergeEntities(ctx context.Context, dupID, survivorID string) error {
	p.admin.Lock()
	defer p.admin.Unlock()
	return p.Entities.MergeEntities(ctx, dupID, survivorID, time.Now().UTC())
}
