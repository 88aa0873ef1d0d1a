package pglisten

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const releaseTimeout = 2 * time.Second

// Source hands out dedicated subscriber connections for LISTEN/NOTIFY
// sessions. It is backed by its own small pool, separate from the pool used
// for ordinary queries, so long-lived subscribers cannot starve request
// traffic. Pool capacity is the hard cap on concurrent stream sessions.
type Source struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	logger         *logrus.Logger
}

// NewSource creates a subscriber source with at most maxSessions concurrent
// connections. Acquire waits at most acquireTimeout before failing fast.
func NewSource(ctx context.Context, connString string, maxSessions int32, acquireTimeout time.Duration, logger *logrus.Logger) (*Source, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.MaxConns = maxSessions
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber pool: %w", err)
	}

	logger.Infof("Subscriber source ready (max %d sessions)", maxSessions)

	return &Source{
		pool:           pool,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}, nil
}

// Acquire obtains a dedicated connection subscribed to channel. Once the pool
// is exhausted the bounded wait expires and the caller gets an error instead
// of queuing behind long-lived sessions.
func (s *Source) Acquire(ctx context.Context, channel string) (*Listener, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire subscriber connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	return &Listener{conn: conn, channel: channel, logger: s.logger}, nil
}

// Ping verifies the source can still reach the database.
func (s *Source) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts the pool down. Outstanding listeners keep their connections
// until released.
func (s *Source) Close() {
	s.pool.Close()
}

// Listener is one subscribed connection, owned by exactly one session for its
// entire lifetime.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
	logger  *logrus.Logger
}

// WaitForNotification blocks until the next notification on the listener's
// channel arrives or ctx is cancelled. It returns the raw payload bytes.
func (l *Listener) WaitForNotification(ctx context.Context) ([]byte, error) {
	notification, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(notification.Payload), nil
}

// Close unsubscribes the connection and returns it to the pool. Unsubscribe
// failures are logged and ignored; the connection is handed back either way
// and a broken one is destroyed by the pool.
func (l *Listener) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if _, err := l.conn.Exec(ctx, "UNLISTEN "+quoteIdent(l.channel)); err != nil {
		l.logger.Warnf("Failed to unsubscribe from channel %s: %v", l.channel, err)
	}
	l.conn.Release()
}

// quoteIdent quotes a channel name as a Postgres identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
