package auditor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/pkg/cache"
)

// FindingSink receives consistency findings. Publish must be safe for
// concurrent use.
type FindingSink interface {
	Publish(ctx context.Context, f domain.Finding) error
}

// SlogSink writes findings to the structured log. It is the sink of last
// resort and never fails.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging at WARN level
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Publish(_ context.Context, f domain.Finding) error {
	attrs := []any{
		slog.String("property_id", f.PropertyID.String()),
		slog.String("finding_type", string(f.Type)),
		slog.Time("detected_at", f.DetectedAt),
	}
	for k, v := range f.Details {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.Warn("consistency finding", attrs...)
	metrics.ObserveSinkPublish("slog", "success")
	return nil
}

// MultiSink fans a finding out to every configured sink. A sink failure
// is logged and does not stop delivery to the others.
type MultiSink struct {
	sinks  []FindingSink
	logger *slog.Logger
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(logger *slog.Logger, sinks ...FindingSink) *MultiSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

func (s *MultiSink) Publish(ctx context.Context, f domain.Finding) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, f); err != nil {
			s.logger.Error("finding sink failed",
				slog.String("finding_type", string(f.Type)),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DedupSink suppresses repeats of the same finding inside a time window
// so a divergence hit on every request does not flood downstream sinks.
type DedupSink struct {
	next   FindingSink
	window time.Duration
	seen   *cache.Cache
}

// NewDedupSink wraps next with a suppression window
func NewDedupSink(next FindingSink, window time.Duration) *DedupSink {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &DedupSink{next: next, window: window, seen: cache.New()}
}

func (s *DedupSink) Publish(ctx context.Context, f domain.Finding) error {
	key := dedupKey(f)
	if _, dup := s.seen.Get(key); dup {
		metrics.ObserveSinkPublish("dedup", "suppressed")
		return nil
	}
	s.seen.Set(key, struct{}{}, s.window)
	return s.next.Publish(ctx, f)
}

func dedupKey(f domain.Finding) string {
	key := "finding:" + f.PropertyID.String() + ":" + string(f.Type)
	// duplicate_membership findings are per user, not per property
	if uid, ok := f.Details["user_id"]; ok {
		key += ":" + uid
	}
	return key
}

// AsyncReporter adapts a FindingSink to the resolver's non-blocking
// FindingReporter. Findings are buffered on a channel and drained by a
// single goroutine; when the buffer is full the finding is dropped and
// counted rather than stalling an authorization.
type AsyncReporter struct {
	ch     chan domain.Finding
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	logger *slog.Logger
}

// NewAsyncReporter starts the drain goroutine. buffer <= 0 selects a
// default of 256.
func NewAsyncReporter(sink FindingSink, buffer int, logger *slog.Logger) *AsyncReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncReporter{
		ch:     make(chan domain.Finding, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.drain(sink)
	return r
}

// Report enqueues a finding without blocking. Full buffer means the
// finding is dropped; the auditor's next scan re-detects it.
func (r *AsyncReporter) Report(f domain.Finding) {
	if r.closed.Load() {
		metrics.RecordFindingDropped()
		return
	}
	select {
	case r.ch <- f:
	default:
		metrics.RecordFindingDropped()
	}
}

func (r *AsyncReporter) drain(sink FindingSink) {
	defer close(r.done)
	publish := func(f domain.Finding) {
		metrics.RecordFinding(string(f.Type))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Publish(ctx, f); err != nil {
			r.logger.Error("failed to publish finding",
				slog.String("finding_type", string(f.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	for {
		select {
		case <-r.stop:
			for {
				select {
				case f := <-r.ch:
					publish(f)
				default:
					return
				}
			}
		case f := <-r.ch:
			publish(f)
		}
	}
}

// Close drains buffered findings and stops the goroutine. Callers stop
// issuing Report before Close.
func (r *AsyncReporter) Close() {
	r.closed.Store(true)
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
