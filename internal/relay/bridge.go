package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inventory-relay/internal/models"
	"inventory-relay/internal/telemetry"
)

// DefaultHeartbeatInterval keeps intermediary proxies from reaping idle
// stream connections.
const DefaultHeartbeatInterval = 30 * time.Second

// Source hands out subscribed listeners, one per session. Implemented by
// pglisten.Source through a thin adapter; faked in tests.
type Source interface {
	Acquire(ctx context.Context, channel string) (Listener, error)
}

// Bridge exposes the change-notification stream as a Server-Sent Events
// endpoint. Each accepted request gets its own dedicated subscriber
// connection and its own session; sessions share nothing but the bounded
// source capacity.
type Bridge struct {
	source    Source
	channel   string
	heartbeat time.Duration
	logger    *logrus.Logger
	metrics   *telemetry.Metrics
}

// NewBridge creates a Bridge relaying notifications from channel. A zero
// heartbeat interval selects the default.
func NewBridge(source Source, channel string, heartbeat time.Duration, logger *logrus.Logger, metrics *telemetry.Metrics) *Bridge {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Bridge{
		source:    source,
		channel:   channel,
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   metrics,
	}
}

// ServeHTTP handles one stream request for its entire lifetime. Acquisition
// failure is terminal for the attempt: the client gets a single error event
// and the stream closes; reconnecting is the client's job.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := &sseSink{w: w, flusher: flusher}

	listener, err := b.source.Acquire(r.Context(), b.channel)
	if err != nil {
		b.logger.Warnf("Stream request rejected: %v", err)
		b.metrics.SessionRejected()
		_ = sink.Send(models.ErrorEvent("no subscriber connection available"))
		return
	}

	id := uuid.NewString()
	session := newSession(id, listener, sink, b.heartbeat, b.logger, b.metrics)
	b.metrics.SessionStarted()
	b.logger.Infof("Stream session %s opened for %s", id, r.RemoteAddr)

	session.Run(r.Context())

	b.logger.Infof("Stream session %s closed", id)
}
