// Package ingest consumes change-data-capture streams and hands ordered
// change events to the pipeline.
package ingest

import (
	"context"
	"sync"

	"github.com/agenthands/loom/internal/core/model"
)

// Source is a stream of change events with at-least-once delivery. Commit
// acknowledges everything up to pos on the event's partition; after a crash
// events past the last committed position are redelivered.
type Source interface {
	Next(ctx context.Context) (*model.ChangeEvent, error)
	Commit(ctx context.Context, pos model.Position) error
	Close() error
}

// ChannelSource is an in-process Source backed by a channel. It drives tests
// and the replay tool.
type ChannelSource struct {
	mu        sync.Mutex
	events    chan *model.ChangeEvent
	committed map[string]model.Position
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{
		events:    make(chan *model.ChangeEvent, buffer),
		committed: make(map[string]model.Position),
	}
}

// Send enqueues an event; it blocks when the buffer is full.
func (s *ChannelSource) Send(ev *model.ChangeEvent) {
	s.events <- ev
}

// Finish closes the stream; Next returns ErrSourceClosed once drained.
func (s *ChannelSource) Finish() {
	close(s.events)
}

var ErrSourceClosed = errSourceClosed{}

type errSourceClosed struct{}

func (errSourceClosed) Error() string { return "source closed" }

func (s *ChannelSource) Next(ctx context.Context) (*model.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return nil, ErrSourceClosed
		}
		return ev, nil
	}
}

func (s *ChannelSource) Commit(ctx context.Context, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[pos.Partition] = pos
	return nil
}

// Committed returns the highest acknowledged position for a partition.
func (s *ChannelSource) Committed(partition string) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.committed[partition]
	return pos, ok
}

func (s *ChannelSource) Close() error { return nil }
