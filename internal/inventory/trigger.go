package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Channel is the notification channel the inventory trigger publishes on and
// the bridge subscribes to.
const Channel = "inventory_changes"

// TriggerName identifies the row-level trigger on the inventory table.
const TriggerName = "inventory_items_notify"

// notifyFunctionSQL defines the change emitter: every mutating write on the
// inventory table publishes a small JSON payload on the channel. The payload
// carries the operation, the record id, a timestamp, and a couple of
// denormalized display fields; consumers treat it as an invalidation signal,
// not as data.
const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION inventory_notify_change() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;

	PERFORM pg_notify('inventory_changes', json_build_object(
		'operation', TG_OP,
		'record_id', rec.id,
		'timestamp', floor(extract(epoch FROM clock_timestamp()))::bigint,
		'attributes', json_build_object(
			'vendor', rec.vendor,
			'description', rec.description
		)
	)::text);

	RETURN rec;
END;
$$ LANGUAGE plpgsql;
`

const notifyTriggerSQL = `
DROP TRIGGER IF EXISTS inventory_items_notify ON inventory_items;
CREATE TRIGGER inventory_items_notify
AFTER INSERT OR UPDATE OR DELETE ON inventory_items
FOR EACH ROW EXECUTE FUNCTION inventory_notify_change();
`

// EnsureTrigger installs the notify function and trigger through the
// ordinary query pool. Idempotent: re-running replaces the function and
// recreates the trigger.
func EnsureTrigger(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Logger) error {
	if _, err := pool.Exec(ctx, notifyFunctionSQL); err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}
	if _, err := pool.Exec(ctx, notifyTriggerSQL); err != nil {
		return fmt.Errorf("failed to create notify trigger: %w", err)
	}

	logger.Infof("Change notification trigger %s installed on inventory_items", TriggerName)
	return nil
}
