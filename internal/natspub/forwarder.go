package natspub

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"inventory-relay/internal/models"
)

const resubscribeDelay = time.Second

// Listener is the subscriber connection the forwarder reads from.
type Listener interface {
	WaitForNotification(ctx context.Context) ([]byte, error)
	Close()
}

// Source hands out subscribed listeners.
type Source interface {
	Acquire(ctx context.Context, channel string) (Listener, error)
}

// EventPublisher publishes change events downstream.
type EventPublisher interface {
	Publish(event *models.ChangeEvent) error
}

// Forwarder holds one subscriber connection of its own and republishes every
// well-formed change notification to NATS. Malformed payloads are dropped;
// connection errors trigger a resubscribe.
type Forwarder struct {
	source    Source
	publisher EventPublisher
	channel   string
	logger    *logrus.Logger
}

// NewForwarder creates a forwarder for channel.
func NewForwarder(source Source, publisher EventPublisher, channel string, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		source:    source,
		publisher: publisher,
		channel:   channel,
		logger:    logger,
	}
}

// Start runs the forwarder until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	f.logger.Info("Starting NATS forwarder...")

	for {
		if ctx.Err() != nil {
			f.logger.Info("Context cancelled, stopping NATS forwarder")
			return nil
		}

		listener, err := f.source.Acquire(ctx, f.channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Errorf("Forwarder failed to subscribe: %v", err)
			select {
			case <-time.After(resubscribeDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		f.relay(ctx, listener)
		listener.Close()
	}
}

func (f *Forwarder) relay(ctx context.Context, listener Listener) {
	for {
		payload, err := listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Errorf("Forwarder connection error: %v", err)
			}
			return
		}

		event, err := models.ParseNotification(payload)
		if err != nil {
			f.logger.Warnf("Forwarder dropping malformed notification: %v", err)
			continue
		}

		if err := f.publisher.Publish(&event); err != nil {
			f.logger.Errorf("Error publishing event: %v", err)
			continue
		}
	}
}
