package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"inventory-relay/internal/models"
	"inventory-relay/internal/telemetry"
)

// Listener is the dedicated subscriber connection a session owns.
// Implemented by pglisten.Listener; faked in tests.
type Listener interface {
	WaitForNotification(ctx context.Context) ([]byte, error)
	Close()
}

// Sink receives framed events for one client. A Send error is treated as a
// connection-level failure and ends the session.
type Sink interface {
	Send(event models.ChangeEvent) error
}

// Session states. The only teardown path is the transition into
// stateTornDown, guarded by a compare-and-swap, which makes teardown
// idempotent under concurrent error and disconnect triggers.
const (
	stateConnecting int32 = iota
	stateSubscribed
	stateTornDown
)

// Session relays notifications from one subscribed connection to one client
// sink until the client disconnects, the connection errors, or the process
// shuts down. Per-event failures (malformed payloads) are dropped and never
// terminate the session.
type Session struct {
	id        string
	listener  Listener
	sink      Sink
	heartbeat time.Duration
	logger    *logrus.Logger
	metrics   *telemetry.Metrics

	state       atomic.Int32
	tornDown    chan struct{}
	releaseOnce sync.Once
}

func newSession(id string, listener Listener, sink Sink, heartbeat time.Duration, logger *logrus.Logger, metrics *telemetry.Metrics) *Session {
	return &Session{
		id:        id,
		listener:  listener,
		sink:      sink,
		heartbeat: heartbeat,
		logger:    logger,
		metrics:   metrics,
		tornDown:  make(chan struct{}),
	}
}

// Run drives the session until ctx is cancelled (client disconnect), the
// subscriber connection errors, or Teardown is called externally. It always
// tears the session down before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.release()
	defer s.Teardown()

	if err := s.sink.Send(models.Connected()); err != nil {
		s.logger.Debugf("Session %s: failed to send connected event: %v", s.id, err)
		return
	}
	if !s.state.CompareAndSwap(stateConnecting, stateSubscribed) {
		// Torn down before the stream was fully open.
		return
	}
	s.metrics.EventRelayed(models.KindConnected)

	waitCtx, cancelWait := context.WithCancel(ctx)
	waitDone := make(chan struct{})
	// Joining the wait goroutine before the deferred release keeps Close off
	// a connection that still has a WaitForNotification call in flight.
	defer func() {
		cancelWait()
		<-waitDone
	}()

	notifications := make(chan []byte)
	waitErrs := make(chan error, 1)
	go func() {
		defer close(waitDone)
		for {
			payload, err := s.listener.WaitForNotification(waitCtx)
			if err != nil {
				waitErrs <- err
				return
			}
			select {
			case notifications <- payload:
			case <-waitCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debugf("Session %s: client disconnected", s.id)
			return

		case <-s.tornDown:
			return

		case err := <-waitErrs:
			if ctx.Err() == nil {
				s.logger.Warnf("Session %s: subscriber connection error: %v", s.id, err)
			}
			return

		case <-ticker.C:
			if s.TornDown() {
				return
			}
			if err := s.sink.Send(models.Heartbeat()); err != nil {
				s.logger.Debugf("Session %s: heartbeat write failed: %v", s.id, err)
				return
			}
			s.metrics.EventRelayed(models.KindHeartbeat)

		case payload := <-notifications:
			if s.TornDown() {
				return
			}
			event, err := models.ParseNotification(payload)
			if err != nil {
				s.logger.Warnf("Session %s: dropping malformed notification: %v", s.id, err)
				s.metrics.PayloadDropped()
				continue
			}
			if err := s.sink.Send(event); err != nil {
				s.logger.Debugf("Session %s: event write failed: %v", s.id, err)
				return
			}
			s.metrics.EventRelayed(models.KindUpdated)
		}
	}
}

// Teardown marks the session torn down and signals Run to exit. Safe to call
// from any goroutine any number of times; only the first call transitions the
// state. The subscriber connection is released by Run once the notification
// wait goroutine has returned, never concurrently with a wait in flight.
func (s *Session) Teardown() {
	if !s.becomeTornDown() {
		return
	}
	close(s.tornDown)
	s.logger.Debugf("Session %s: torn down", s.id)
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.listener.Close()
		s.metrics.SessionEnded()
		s.logger.Debugf("Session %s: released subscriber connection", s.id)
	})
}

// TornDown reports whether the session has been torn down.
func (s *Session) TornDown() bool {
	return s.state.Load() == stateTornDown
}

func (s *Session) becomeTornDown() bool {
	for {
		prev := s.state.Load()
		if prev == stateTornDown {
			return false
		}
		if s.state.CompareAndSwap(prev, stateTornDown) {
			return true
		}
	}
}
