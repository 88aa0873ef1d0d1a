package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Item is one extracted packing-list line item as served by the read
// endpoint. The stream consumer replaces its whole snapshot with the result
// of a read; it never patches individual items from event payloads.
type Item struct {
	ID          int64     `json:"id"`
	Vendor      string    `json:"vendor"`
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store reads inventory snapshots through the ordinary query pool, which is
// deliberately separate from the subscriber pool the stream sessions use.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool, logger *logrus.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// ListItems returns the most recently updated items, newest first.
func (s *Store) ListItems(ctx context.Context, limit int) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, vendor, description, quantity, updated_at
		FROM inventory_items
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Vendor, &item.Description, &item.Quantity, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inventory items: %w", err)
	}

	return items, nil
}
