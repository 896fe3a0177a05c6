package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/infrastructure/redis"
	"github.com/rentora/propaccess/internal/observability/metrics"
)

// FindingsStream is the capped Redis stream findings are appended to.
// The findings websocket replays its tail to new subscribers.
const FindingsStream = "propaccess:findings"

const findingsStreamMaxLen = 10000

// RedisStreamSink appends findings to a Redis stream for operator
// tooling to tail.
type RedisStreamSink struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStreamSink creates a stream sink
func NewRedisStreamSink(client *redis.Client, logger *slog.Logger) *RedisStreamSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamSink{client: client, logger: logger}
}

func (s *RedisStreamSink) Publish(ctx context.Context, f domain.Finding) error {
	values := map[string]interface{}{
		"property_id":  f.PropertyID.String(),
		"finding_type": string(f.Type),
		"detected_at":  f.DetectedAt.Format(time.RFC3339),
	}
	if len(f.Details) > 0 {
		detail, err := json.Marshal(f.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal finding details: %w", err)
		}
		values["details"] = string(detail)
	}

	if _, err := s.client.XAdd(ctx, FindingsStream, findingsStreamMaxLen, values); err != nil {
		metrics.ObserveSinkPublish("redis", "error")
		return fmt.Errorf("failed to append finding to stream: %w", err)
	}

	metrics.ObserveSinkPublish("redis", "success")
	return nil
}
