// Package stats implements the write-only counters described in spec.md
// §4.H: a (service, name) keyed table of either an integer or a string
// value, upserted via val_int <- COALESCE(existing, 0) + delta, with a
// periodic JSON snapshot for the external get_stats RPC.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Backend persists and reads back counters. internal/store implements
// this against Postgres; tests use an in-memory fake.
type Backend interface {
	IncrementInt(ctx context.Context, service, name string, delta int64) error
	SetString(ctx context.Context, service, name, value string) error
	Snapshot(ctx context.Context) ([]Entry, error)
}

// Entry is one (service, name) -> value row. Exactly one of IntValue or
// StringValue is populated, matching the "exactly one must be non-null"
// DB constraint.
type Entry struct {
	Service     string  `json:"service"`
	Name        string  `json:"name"`
	IntValue    *int64  `json:"val_int,omitempty"`
	StringValue *string `json:"val_str,omitempty"`
}

// Counters is the engine-facing handle onto the stats backend.
type Counters struct {
	backend Backend
}

// New wraps a Backend.
func New(backend Backend) *Counters {
	return &Counters{backend: backend}
}

// Increment bumps (service, name) by delta. service "" is the
// network-wide counter namespace used alongside a per-service one for
// the same event (spec.md §4.F.b: `("", subscription|sub_renew)` and
// `(service, subscription|sub_renew)`).
func (c *Counters) Increment(ctx context.Context, service, name string, delta int64) error {
	return c.backend.IncrementInt(ctx, service, name, delta)
}

// SetString records a string-valued counter such as a free-form status.
func (c *Counters) SetString(ctx context.Context, service, name, value string) error {
	return c.backend.SetString(ctx, service, name, value)
}

// Snapshot returns the current counters as a JSON document for the
// get_stats RPC.
func (c *Counters) Snapshot(ctx context.Context) ([]byte, error) {
	entries, err := c.backend.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: snapshot: %w", err)
	}
	return json.Marshal(entries)
}

// RunPeriodicLog calls log every interval until ctx is done, in the style
// of the startup sequence's "stats log every 15s" timer (spec.md §4.F
// step 6).
func (c *Counters) RunPeriodicLog(ctx context.Context, interval time.Duration, log func(snapshot []byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := c.Snapshot(ctx)
			if err != nil {
				continue
			}
			log(snap)
		}
	}
}
