package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rentora/propaccess/internal/auditor"
	"github.com/rentora/propaccess/internal/domain"
	"github.com/rentora/propaccess/internal/infrastructure/redis"
)

const (
	defaultReplayCount = 50
	maxReplayCount     = 500
)

// StreamFinding is the wire form of a finding on the websocket feed.
// Replayed entries from the Redis stream and live entries from the
// broadcast hub share it.
type StreamFinding struct {
	PropertyID string            `json:"property_id"`
	Type       string            `json:"finding_type"`
	Details    map[string]string `json:"details,omitempty"`
	DetectedAt string            `json:"detected_at"`
	Replay     bool              `json:"replay,omitempty"`
}

// FindingsHandler handles WebSocket connections for the findings feed.
// New subscribers get a tail of recent findings replayed from the Redis
// stream, then live findings as the auditor publishes them.
type FindingsHandler struct {
	broadcast      *auditor.BroadcastSink
	redisClient    *redis.Client
	logger         *slog.Logger
	allowedOrigins []string
}

// NewFindingsHandler creates a new findings stream handler
func NewFindingsHandler(broadcast *auditor.BroadcastSink, redisClient *redis.Client, logger *slog.Logger, allowedOrigins []string) *FindingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FindingsHandler{
		broadcast:      broadcast,
		redisClient:    redisClient,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

// upgrader is initialized per-request to use instance's allowed origins
func (h *FindingsHandler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Allow requests with no origin (e.g., non-browser clients)
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /v1/findings/stream requests
func (h *FindingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	replayCount := defaultReplayCount
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid replay count", http.StatusBadRequest)
			return
		}
		replayCount = n
	}
	if replayCount > maxReplayCount {
		replayCount = maxReplayCount
	}

	// Upgrade HTTP connection to WebSocket with origin checking
	upgrader := h.getUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	h.logger.Debug("findings subscriber connected", slog.Int("replay", replayCount))

	// Subscribe before replaying so findings published during the replay
	// queue up instead of being missed.
	live, cancel := h.broadcast.Subscribe()
	defer cancel()

	// Reader loop detects the client going away and processes close
	// frames; the feed itself never expects client messages.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Heartbeat ping to keep connection alive
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			case <-done:
				return
			}
		}
	}()

	if replayCount > 0 {
		if err := h.replayTail(ws, r, replayCount); err != nil {
			h.logger.Debug("findings replay ended", slog.String("reason", err.Error()))
			return
		}
	}

	for {
		select {
		case <-disconnected:
			h.logger.Debug("findings subscriber disconnected")
			return
		case f, ok := <-live:
			if !ok {
				return
			}
			if err := h.writeFinding(ws, liveFinding(f)); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("findings websocket closed")
				}
				return
			}
		}
	}
}

// replayTail sends the newest stream entries oldest-first. A replay
// failure is not fatal; the live feed still works without it.
func (h *FindingsHandler) replayTail(ws *websocket.Conn, r *http.Request, count int) error {
	if h.redisClient == nil {
		return nil
	}
	entries, err := h.redisClient.XRevRangeN(r.Context(), auditor.FindingsStream, int64(count))
	if err != nil {
		h.logger.Warn("findings replay unavailable", slog.String("error", err.Error()))
		return nil
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if err := h.writeFinding(ws, replayedFinding(entries[i].Values)); err != nil {
			return err
		}
	}
	return nil
}

func (h *FindingsHandler) writeFinding(ws *websocket.Conn, f StreamFinding) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func liveFinding(f domain.Finding) StreamFinding {
	return StreamFinding{
		PropertyID: f.PropertyID.String(),
		Type:       string(f.Type),
		Details:    f.Details,
		DetectedAt: f.DetectedAt.Format(time.RFC3339),
	}
}

// replayedFinding rebuilds the wire form from the fields the Redis sink
// stored. Malformed entries keep whatever fields did parse.
func replayedFinding(values map[string]interface{}) StreamFinding {
	sf := StreamFinding{Replay: true}
	if v, ok := values["property_id"].(string); ok {
		sf.PropertyID = v
	}
	if v, ok := values["finding_type"].(string); ok {
		sf.Type = v
	}
	if v, ok := values["detected_at"].(string); ok {
		sf.DetectedAt = v
	}
	if v, ok := values["details"].(string); ok && v != "" {
		var details map[string]string
		if err := json.Unmarshal([]byte(v), &details); err == nil {
			sf.Details = details
		}
	}
	return sf
}
