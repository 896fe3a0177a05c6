package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/observability/metrics"
	"github.com/rentora/propaccess/internal/reliability/circuitbreaker"
)

// ErrCircuitOpen is returned while the Kafka breaker is open and
// publishes are failing fast.
var ErrCircuitOpen = errors.New("kafka sink circuit open")

// Writer is the subset of the kafka writer the sink needs, kept small
// so tests can inject their own.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes findings to a Kafka topic for downstream
// remediation pipelines. Messages are keyed by property id so findings
// for one property stay in order on a partition. A circuit breaker
// keeps a dead broker from stalling scans.
type KafkaSink struct {
	writer  Writer
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
	return newKafkaSink(w, logger)
}

// NewKafkaSinkWithWriter allows injecting a test writer
func NewKafkaSinkWithWriter(w Writer, logger *slog.Logger) *KafkaSink {
	return newKafkaSink(w, logger)
}

func newKafkaSink(w Writer, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{
		writer:  w,
		breaker: circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second),
		logger:  logger,
	}
	s.breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		s.logger.Warn("kafka sink circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return s
}

func (s *KafkaSink) Publish(ctx context.Context, f domain.Finding) error {
	if !s.breaker.AllowRequest() {
		metrics.ObserveSinkPublish("kafka", "circuit_open")
		return ErrCircuitOpen
	}

	value, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(f.PropertyID.String()),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.breaker.RecordFailure()
		metrics.ObserveSinkPublish("kafka", "error")
		return fmt.Errorf("failed to write finding: %w", err)
	}

	s.breaker.RecordSuccess()
	metrics.ObserveSinkPublish("kafka", "success")
	return nil
}

// Close shuts down the underlying writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
