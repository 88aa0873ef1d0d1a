package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inventory-relay/internal/models"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
// Deliberately no backoff and no attempt ceiling: a failed attempt costs one
// fast-failing connection, bounded by the bridge's own capacity cap.
const DefaultReconnectDelay = 3 * time.Second

// FetchFunc reads the current snapshot from the read endpoint.
type FetchFunc func(ctx context.Context) (interface{}, error)

// StreamConsumer keeps a local snapshot in sync with the server by holding a
// live event-stream connection and refetching through the read endpoint on
// every change notification. Event payloads are never used to reconstruct
// state; they are invalidation signals only.
type StreamConsumer struct {
	url            string
	fetch          FetchFunc
	reconnectDelay time.Duration
	httpClient     *http.Client
	logger         *logrus.Logger

	mu         sync.Mutex
	connected  bool
	lastUpdate time.Time
	snapshot   interface{}
	cancel     context.CancelFunc
	done       chan struct{}
	started    bool
}

// NewStreamConsumer creates a consumer for the stream at url. A zero
// reconnectDelay selects the default.
func NewStreamConsumer(url string, fetch FetchFunc, reconnectDelay time.Duration, logger *logrus.Logger) *StreamConsumer {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &StreamConsumer{
		url:            url,
		fetch:          fetch,
		reconnectDelay: reconnectDelay,
		httpClient:     &http.Client{},
		logger:         logger,
	}
}

// Start opens the stream in the background. Calling Start on a running
// consumer is a no-op.
func (c *StreamConsumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop closes the active connection and cancels any pending reconnect. Safe
// to call multiple times or when Start was never called.
func (c *StreamConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether the stream is currently open.
func (c *StreamConsumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastUpdate returns when the snapshot was last replaced.
func (c *StreamConsumer) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Snapshot returns the current local snapshot.
func (c *StreamConsumer) Snapshot() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// SetSnapshot overwrites the local snapshot with externally supplied data,
// e.g. an initial server-rendered payload. The consumer does not fight an
// external refresh.
func (c *StreamConsumer) SetSnapshot(snapshot interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
}

func (c *StreamConsumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.listen(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debugf("Stream closed: %v", err)
		}

		// Exactly one reconnect attempt per drop, after a fixed delay.
		select {
		case <-time.After(c.reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *StreamConsumer) listen(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event models.ChangeEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			c.logger.Debugf("Skipping unparseable stream event: %v", err)
			continue
		}
		c.handleEvent(ctx, event)
	}
	return scanner.Err()
}

func (c *StreamConsumer) handleEvent(ctx context.Context, event models.ChangeEvent) {
	switch event.Kind {
	case models.KindConnected:
		c.setConnected(true)
	case models.KindUpdated:
		// Payload fields are for logging only; the read endpoint is the
		// source of truth.
		c.logger.Debugf("Change notification: %s record %s", event.Operation, event.RecordID)
		c.refetch(ctx)
	case models.KindHeartbeat:
	case models.KindError:
		c.logger.Warnf("Stream error event: %s", event.Message)
	}
}

func (c *StreamConsumer) refetch(ctx context.Context) {
	snapshot, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warnf("Failed to refetch snapshot: %v", err)
		return
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

func (c *StreamConsumer) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}
