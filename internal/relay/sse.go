package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"inventory-relay/internal/models"
)

// sseSink frames events as newline-delimited Server-Sent Events and flushes
// after every write so intermediaries cannot buffer the stream.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

func (s *sseSink) Send(event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
