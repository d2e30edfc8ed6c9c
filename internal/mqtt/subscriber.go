package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// loggedFields are the payload keys surfaced by the debug handler:
// gas from leitura, state from status, act from comando.
var loggedFields = []string{"gas", "temp", "press", "state", "act"}

// LoggingHandler returns a [MessageHandler] that logs received
// messages at debug level with structured fields extracted from the
// JSON payload. Non-JSON payloads are logged with topic and size only.
// At trace level the raw payload is included too.
func LoggingHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		ctx := context.Background()
		if !logger.Enabled(ctx, slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err == nil {
			for _, k := range loggedFields {
				if v, ok := msg[k]; ok {
					fields = append(fields, k, v)
				}
			}
		}

		if logger.Enabled(ctx, levelTrace) {
			fields = append(fields, "payload", string(payload))
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Chain returns a handler that calls each non-nil handler in order.
func Chain(handlers ...MessageHandler) MessageHandler {
	return func(topic string, payload []byte) {
		for _, h := range handlers {
			if h != nil {
				h(topic, payload)
			}
		}
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled,
// warning once per interval when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the message counter and reports whether the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
