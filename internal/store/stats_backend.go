package store

import (
	"context"
	"fmt"

	"github.com/oxen-io/session-push-notification-server/internal/stats"
)

// StatsBackend adapts Store to internal/stats.Backend (spec.md §4.H).
type StatsBackend struct {
	store *Store
}

// NewStatsBackend wraps store for use as a stats.Backend.
func NewStatsBackend(store *Store) *StatsBackend {
	return &StatsBackend{store: store}
}

// IncrementInt performs the upsert spec.md §4.H requires:
// val_int <- COALESCE(existing, 0) + delta.
func (b *StatsBackend) IncrementInt(ctx context.Context, service, name string, delta int64) error {
	conn, err := b.store.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("store: stats increment: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO service_stats (service, name, val_int)
		VALUES ($1, $2, $3)
		ON CONFLICT (service, name) DO UPDATE
		SET val_int = COALESCE(service_stats.val_int, 0) + EXCLUDED.val_int`,
		service, name, delta)
	if err != nil {
		return fmt.Errorf("store: stats increment: %w", err)
	}
	return nil
}

// SetString replaces a string-valued counter.
func (b *StatsBackend) SetString(ctx context.Context, service, name, value string) error {
	conn, err := b.store.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("store: stats set_string: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO service_stats (service, name, val_str)
		VALUES ($1, $2, $3)
		ON CONFLICT (service, name) DO UPDATE SET val_str = EXCLUDED.val_str`,
		service, name, value)
	if err != nil {
		return fmt.Errorf("store: stats set_string: %w", err)
	}
	return nil
}

// Snapshot reads back every counter row for the get_stats RPC.
func (b *StatsBackend) Snapshot(ctx context.Context) ([]stats.Entry, error) {
	conn, err := b.store.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: stats snapshot: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT service, name, val_int, val_str FROM service_stats ORDER BY service, name`)
	if err != nil {
		return nil, fmt.Errorf("store: stats snapshot: %w", err)
	}
	defer rows.Close()

	var out []stats.Entry
	for rows.Next() {
		var e stats.Entry
		if err := rows.Scan(&e.Service, &e.Name, &e.IntValue, &e.StringValue); err != nil {
			return nil, fmt.Errorf("store: stats snapshot scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
