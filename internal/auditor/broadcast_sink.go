package auditor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
)

// BroadcastSink fans findings out to live subscribers, typically
// websocket connections on the findings stream endpoint. A subscriber
// that cannot keep up has the finding dropped rather than stalling the
// sink chain; the Redis stream replay covers anything missed.
type BroadcastSink struct {
	mu     sync.Mutex
	subs   map[uint64]chan domain.Finding
	nextID uint64
	buffer int
	logger *slog.Logger
}

// NewBroadcastSink creates a broadcast sink. buffer <= 0 selects a
// per-subscriber buffer of 32.
func NewBroadcastSink(buffer int, logger *slog.Logger) *BroadcastSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &BroadcastSink{
		subs:   make(map[uint64]chan domain.Finding),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a listener. The returned cancel function removes
// the subscription and closes the channel; it is safe to call more than
// once.
func (b *BroadcastSink) Subscribe() (<-chan domain.Finding, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Finding, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *BroadcastSink) Publish(_ context.Context, f domain.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- f:
		default:
			b.logger.Debug("dropping finding for slow subscriber",
				slog.Uint64("subscriber", id),
				slog.String("finding_type", string(f.Type)),
			)
		}
	}
	metrics.ObserveSinkPublish("broadcast", "success")
	return nil
}
