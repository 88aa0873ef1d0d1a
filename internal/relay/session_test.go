package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-relay/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeListener struct {
	notifications chan []byte
	errs          chan error
	waitLatency   time.Duration
	inFlight      atomic.Int32
	closedMidWait atomic.Bool
	closeCalls    atomic.Int32
	onClose       func()
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		notifications: make(chan []byte, 64),
		errs:          make(chan error, 1),
	}
}

func (l *fakeListener) WaitForNotification(ctx context.Context) ([]byte, error) {
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	select {
	case payload := <-l.notifications:
		return payload, nil
	case err := <-l.errs:
		return nil, err
	case <-ctx.Done():
		// Model a cancelled read still unwinding on the wire.
		if l.waitLatency > 0 {
			time.Sleep(l.waitLatency)
		}
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close() {
	if l.inFlight.Load() > 0 {
		l.closedMidWait.Store(true)
	}
	l.closeCalls.Add(1)
	if l.onClose != nil {
		l.onClose()
	}
}

type recordSink struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (s *recordSink) Send(event models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordSink) snapshot() []models.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChangeEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) byKind(kind string) []models.ChangeEvent {
	var out []models.ChangeEvent
	for _, event := range s.snapshot() {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

// startSession runs a session against a fake listener and returns controls
// for it. The returned done channel closes when Run returns.
func startSession(t *testing.T, listener *fakeListener, sink Sink, heartbeat time.Duration) (*Session, context.CancelFunc, chan struct{}) {
	t.Helper()

	session := newSession("test", listener, sink, heartbeat, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return session, cancel, done
}

func waitForDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop in time")
	}
}

func notification(op string, recordID int) []byte {
	return []byte(fmt.Sprintf(`{"operation":%q,"record_id":%d,"timestamp":1700000000}`, op, recordID))
}

func TestSessionSendsConnectedFirst(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, models.KindConnected, sink.snapshot()[0].Kind)
}

func TestSessionRelaysNotificationsInOrder(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	startSession(t, listener, sink, time.Hour)

	const n = 25
	for i := 0; i < n; i++ {
		listener.notifications <- notification(models.OpInsert, i)
	}

	require.Eventually(t, func() bool {
		return len(sink.byKind(models.KindUpdated)) == n
	}, 2*time.Second, 5*time.Millisecond)

	updated := sink.byKind(models.KindUpdated)
	for i, event := range updated {
		assert.Equal(t, fmt.Sprintf("%d", i), event.RecordID)
		assert.Equal(t, models.OpInsert, event.Operation)
	}
}

func TestSessionDropsMalformedPayload(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	session, _, _ := startSession(t, listener, sink, time.Hour)

	listener.notifications <- []byte("this is not json")
	listener.notifications <- notification(models.OpUpdate, 7)

	require.Eventually(t, func() bool {
		return len(sink.byKind(models.KindUpdated)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "7", sink.byKind(models.KindUpdated)[0].RecordID)
	assert.False(t, session.TornDown(), "malformed payload must not tear the session down")
}

func TestSessionHeartbeatStopsAtTeardown(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	_, cancel, done := startSession(t, listener, sink, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sink.byKind(models.KindHeartbeat)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	waitForDone(t, done)

	count := len(sink.byKind(models.KindHeartbeat))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, count, len(sink.byKind(models.KindHeartbeat)), "heartbeats observed after teardown")
}

func TestSessionTeardownIdempotent(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	session, cancel, done := startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	// Fire a connection error, a client disconnect, and direct teardown calls
	// all at once.
	var wg sync.WaitGroup
	listener.errs <- fmt.Errorf("connection reset")
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Teardown()
		}()
	}
	cancel()
	wg.Wait()
	waitForDone(t, done)

	assert.Equal(t, int32(1), listener.closeCalls.Load(), "listener must be released exactly once")
	assert.True(t, session.TornDown())
}

func TestSessionConnectionErrorTearsDown(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	session, _, done := startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	listener.errs <- fmt.Errorf("server closed the connection unexpectedly")
	waitForDone(t, done)

	assert.True(t, session.TornDown())
	assert.Equal(t, int32(1), listener.closeCalls.Load())
}

func TestSessionClosesListenerAfterWaitReturns(t *testing.T) {
	listener := newFakeListener()
	listener.waitLatency = 50 * time.Millisecond
	sink := &recordSink{}
	_, cancel, done := startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	waitForDone(t, done)

	assert.Equal(t, int32(1), listener.closeCalls.Load())
	assert.False(t, listener.closedMidWait.Load(), "listener closed while a wait was still in flight")
}

func TestSessionExternalTeardownClosesListenerAfterWaitReturns(t *testing.T) {
	listener := newFakeListener()
	listener.waitLatency = 50 * time.Millisecond
	sink := &recordSink{}
	session, _, done := startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	session.Teardown()
	waitForDone(t, done)

	assert.Equal(t, int32(1), listener.closeCalls.Load())
	assert.False(t, listener.closedMidWait.Load(), "listener closed while a wait was still in flight")
}

func TestSessionNoEventsAfterTeardown(t *testing.T) {
	listener := newFakeListener()
	sink := &recordSink{}
	session, _, done := startSession(t, listener, sink, time.Hour)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	session.Teardown()
	waitForDone(t, done)

	before := len(sink.snapshot())
	select {
	case listener.notifications <- notification(models.OpDelete, 9):
	default:
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(sink.snapshot()))
}
