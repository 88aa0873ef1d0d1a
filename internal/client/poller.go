package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const pollFetchTimeout = 10 * time.Second

// Poller is the push-independent fallback: a timer-driven refetch loop with
// the same "refetch is ground truth" policy as the stream consumer. A fetch
// failure lands in Err and fires the optional callback, but never stops the
// timer; the next tick self-heals.
type Poller struct {
	fetch    FetchFunc
	interval time.Duration
	onError  func(error)
	logger   *logrus.Logger

	mu         sync.Mutex
	data       interface{}
	err        error
	loading    bool
	lastUpdate time.Time
	enabled    bool
	stopCh     chan struct{}
	stopped    bool
}

// NewPoller creates a poller around fetch. initial seeds the data before the
// first fetch completes; onError may be nil.
func NewPoller(fetch FetchFunc, initial interface{}, interval time.Duration, enabled bool, onError func(error), logger *logrus.Logger) *Poller {
	return &Poller{
		fetch:    fetch,
		interval: interval,
		onError:  onError,
		logger:   logger,
		data:     initial,
		enabled:  enabled,
	}
}

// Start begins polling: an immediate fetch, then one per interval. A no-op
// when disabled, already running, or stopped.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.stopped || !p.enabled || p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stopCh = stop
	p.mu.Unlock()

	go p.loop(stop)
}

// Stop cancels the timer permanently. Safe to call multiple times or when
// Start was never called; no state is mutated after Stop.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	stop := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// SetEnabled pauses or resumes polling. Resuming fetches immediately rather
// than waiting out a full interval.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	if p.stopped || p.enabled == enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = enabled
	if !enabled {
		stop := p.stopCh
		p.stopCh = nil
		p.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		return
	}
	p.mu.Unlock()

	p.Start()
}

// Refetch performs one fetch immediately, regardless of the timer.
func (p *Poller) Refetch() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.loading = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pollFetchTimeout)
	defer cancel()
	data, err := p.fetch(ctx)

	var callback func(error)
	p.mu.Lock()
	if p.stopped {
		// Torn down mid-fetch; drop the result.
		p.mu.Unlock()
		return
	}
	p.loading = false
	if err != nil {
		p.err = err
		callback = p.onError
	} else {
		p.err = nil
		p.data = data
		p.lastUpdate = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warnf("Poll fetch failed: %v", err)
		if callback != nil {
			callback(err)
		}
	}
}

func (p *Poller) loop(stop chan struct{}) {
	p.Refetch()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.Refetch()
		}
	}
}

// Data returns the latest successfully fetched value.
func (p *Poller) Data() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// Err returns the error from the most recent fetch, or nil.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// IsLoading reports whether a fetch is in flight.
func (p *Poller) IsLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// LastUpdate returns when data was last replaced.
func (p *Poller) LastUpdate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdate
}

// Enabled reports whether polling is currently enabled.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}
