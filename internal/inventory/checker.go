package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Checker validates the Postgres connection and the change-notification
// setup at startup, before any client stream is accepted.
type Checker struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewChecker creates a checker using the ordinary query pool.
func NewChecker(pool *pgxpool.Pool, logger *logrus.Logger) *Checker {
	return &Checker{pool: pool, logger: logger}
}

// Check verifies the database is reachable and reports whether the notify
// trigger is installed. A missing trigger is a warning, not an error: the
// relay still works, it just never sees changes until the trigger exists.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	c.logger.Info("Successfully connected to Postgres")

	var installed bool
	err := c.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_trigger WHERE tgname = $1
		)
	`, TriggerName).Scan(&installed)
	if err != nil {
		c.logger.Warnf("Could not verify notify trigger: %v", err)
		return nil
	}

	if !installed {
		c.logger.Warnf("Notify trigger %s is not installed; set postgres.install_trigger to install it", TriggerName)
	} else {
		c.logger.Infof("Notify trigger %s is installed", TriggerName)
	}

	return nil
}
