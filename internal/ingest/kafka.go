package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/core/model"
)

// envelope is the wire format one change event arrives in. It follows the
// common CDC connector shape: short op codes, full before/after row images,
// and a millisecond source timestamp.
type envelope struct {
	Table  string                 `json:"table"`
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	TsMs   int64                  `json:"ts_ms"`
}

type item struct {
	ev  *model.ChangeEvent
	err error
}

// KafkaSource consumes one topic per mapped table. Each table's stream must
// live on a single Kafka partition; that is what makes per-table ordering
// hold. The partition string of a position is the topic name.
type KafkaSource struct {
	readers map[string]*kafka.Reader // partition (topic) -> reader
	items   chan item
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewKafkaSource opens a reader per table topic and starts fetching. Initial
// offsets come from the checkpoint map: consumption resumes at the record
// after the checkpoint, so a crash replays at-least-once from the last save.
func NewKafkaSource(cfg config.KafkaConfig, tables []string, checkpoints map[string]model.Position, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		readers: make(map[string]*kafka.Reader, len(tables)),
		items:   make(chan item, 64),
		logger:  logger.Named("kafka"),
		cancel:  cancel,
	}

	for _, table := range tables {
		topic := cfg.TopicPrefix + table
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   500 * time.Millisecond,
		})
		if cp, ok := checkpoints[topic]; ok {
			if err := r.SetOffset(cp.Offset + 1); err != nil {
				cancel()
				return nil, fmt.Errorf("seek %s to %d: %w", topic, cp.Offset+1, err)
			}
		}
		s.readers[topic] = r

		s.wg.Add(1)
		go s.fetchLoop(ctx, table, topic, r)
	}
	return s, nil
}

func (s *KafkaSource) fetchLoop(ctx context.Context, table, topic string, r *kafka.Reader) {
	defer s.wg.Done()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		var msg kafka.Message
		err := backoff.Retry(func() error {
			var ferr error
			msg, ferr = r.FetchMessage(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if ferr != nil {
				s.logger.Warn("fetch failed, retrying",
					zap.String("topic", topic), zap.Error(ferr))
				return &model.TransientError{Err: ferr}
			}
			return nil
		}, policy)
		if err != nil {
			if ctx.Err() == nil {
				s.emit(ctx, item{err: err})
			}
			return
		}

		ev, derr := decode(table, topic, msg)
		if derr != nil {
			// Malformed payloads are schema drift for this table, not a
			// stream failure.
			s.emit(ctx, item{err: &model.SchemaDriftError{Table: table, Err: derr}})
			continue
		}
		if !s.emit(ctx, item{ev: ev}) {
			return
		}
	}
}

func (s *KafkaSource) emit(ctx context.Context, it item) bool {
	select {
	case <-ctx.Done():
		return false
	case s.items <- it:
		return true
	}
}

func decode(table, topic string, msg kafka.Message) (*model.ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var op model.Operation
	switch env.Op {
	case "c", "insert", "r":
		op = model.OpInsert
	case "u", "update":
		op = model.OpUpdate
	case "d", "delete":
		op = model.OpDelete
	default:
		return nil, fmt.Errorf("unknown op %q", env.Op)
	}

	if env.Table == "" {
		env.Table = table
	}
	ts := time.UnixMilli(env.TsMs).UTC()
	if env.TsMs == 0 {
		ts = msg.Time.UTC()
	}

	return &model.ChangeEvent{
		Table:     env.Table,
		Operation: op,
		Before:    env.Before,
		After:     env.After,
		Position:  model.Position{Partition: topic, Offset: msg.Offset},
		Timestamp: ts,
	}, nil
}

func (s *KafkaSource) Next(ctx context.Context) (*model.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-s.items:
		if !ok {
			return nil, ErrSourceClosed
		}
		return it.ev, it.err
	}
}

// Commit is a no-op: offsets are tracked in the checkpoint store, which is
// the durable source of truth, and readers are partition-pinned rather than
// group-managed.
func (s *KafkaSource) Commit(ctx context.Context, pos model.Position) error {
	return nil
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
