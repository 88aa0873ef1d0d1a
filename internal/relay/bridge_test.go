package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-relay/internal/models"
)

// fakeSource enforces a session cap the way the subscriber pool does and
// remembers the listeners it handed out so tests can push notifications.
type fakeSource struct {
	mu        sync.Mutex
	cap       int
	active    int
	listeners []*fakeListener
}

func (s *fakeSource) Acquire(ctx context.Context, channel string) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cap {
		return nil, errors.New("failed to acquire subscriber connection: pool exhausted")
	}
	s.active++
	listener := newFakeListener()
	listener.onClose = func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
	s.listeners = append(s.listeners, listener)
	return listener, nil
}

func (s *fakeSource) listener(i int) *fakeListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[i]
}

// streamClient reads framed events off a live stream response.
type streamClient struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func openStream(t *testing.T, url string) *streamClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	client := &streamClient{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(client.close)
	return client
}

func (c *streamClient) close() {
	c.cancel()
	c.resp.Body.Close()
}

// next blocks until the next event arrives on the stream.
func (c *streamClient) next(t *testing.T) (models.ChangeEvent, error) {
	t.Helper()
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return models.ChangeEvent{}, err
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event models.ChangeEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		return event, nil
	}
}

func newTestBridge(source Source) *Bridge {
	return NewBridge(source, "inventory_changes", time.Hour, testLogger(), nil)
}

func TestBridgeStreamHeaders(t *testing.T) {
	source := &fakeSource{cap: 1}
	server := httptest.NewServer(newTestBridge(source))
	t.Cleanup(server.Close)

	client := openStream(t, server.URL)
	assert.Equal(t, "text/event-stream", client.resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", client.resp.Header.Get("Cache-Control"))

	event, err := client.next(t)
	require.NoError(t, err)
	assert.Equal(t, models.KindConnected, event.Kind)
}

func TestBridgeAcquisitionFailure(t *testing.T) {
	source := &fakeSource{cap: 0}
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)

	newTestBridge(source).ServeHTTP(recorder, req)

	body := recorder.Body.String()
	require.Contains(t, body, "event: error")

	var event models.ChangeEvent
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		}
	}
	assert.Equal(t, models.KindError, event.Kind)
	assert.NotEmpty(t, event.Message)
}

func TestBridgeCapacityBound(t *testing.T) {
	source := &fakeSource{cap: 2}
	server := httptest.NewServer(newTestBridge(source))
	t.Cleanup(server.Close)

	first := openStream(t, server.URL)
	event, err := first.next(t)
	require.NoError(t, err)
	require.Equal(t, models.KindConnected, event.Kind)

	second := openStream(t, server.URL)
	event, err = second.next(t)
	require.NoError(t, err)
	require.Equal(t, models.KindConnected, event.Kind)

	// The third attempt exceeds the cap: it gets one error event and the
	// stream ends.
	third := openStream(t, server.URL)
	event, err = third.next(t)
	require.NoError(t, err)
	assert.Equal(t, models.KindError, event.Kind)
	_, err = third.next(t)
	assert.Error(t, err, "rejected stream must close after the error event")

	// Existing sessions keep working.
	source.listener(0).notifications <- notification(models.OpUpdate, 11)
	event, err = first.next(t)
	require.NoError(t, err)
	assert.Equal(t, models.KindUpdated, event.Kind)
	assert.Equal(t, "11", event.RecordID)
}

func TestBridgeFreesCapacityOnDisconnect(t *testing.T) {
	source := &fakeSource{cap: 1}
	server := httptest.NewServer(newTestBridge(source))
	t.Cleanup(server.Close)

	client := openStream(t, server.URL)
	event, err := client.next(t)
	require.NoError(t, err)
	require.Equal(t, models.KindConnected, event.Kind)

	client.close()
	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.active == 0
	}, 2*time.Second, 10*time.Millisecond)

	replacement := openStream(t, server.URL)
	event, err = replacement.next(t)
	require.NoError(t, err)
	assert.Equal(t, models.KindConnected, event.Kind)
}
