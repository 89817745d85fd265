// Package pgpool implements the bounded idle connection pool described in
// spec.md §4.D: a LIFO stack of raw database connections with lazy
// eviction to a maximum idle count and a maximum idle age, built directly
// on jackc/pgx/v5's single-connection API rather than pgxpool, since the
// spec's eviction semantics do not match pgxpool's own pooling policy.
package pgpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

// Connection is the subset of *pgx.Conn the pool and its callers need.
// Exposed as an interface so the pool's eviction policy can be exercised
// against a fake without a live database.
type Connection interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls the pool's dialing and eviction policy.
type Config struct {
	// DSN is the connection string passed to Dial.
	DSN string
	// MaxIdle bounds the number of idle connections retained; negative
	// means unbounded.
	MaxIdle int
	// MaxIdleTime drops idle connections older than this; zero means
	// connections never age out purely from idle time.
	MaxIdleTime time.Duration
	// Dial opens a new connection. Defaults to pgx.Connect wrapped as a
	// Connection if nil.
	Dial func(ctx context.Context, dsn string) (Connection, error)
}

func defaultDial(ctx context.Context, dsn string) (Connection, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Metrics holds Prometheus instrumentation for the pool.
type Metrics struct {
	Acquired  prometheus.Counter
	Released  prometheus.Counter
	Opened    prometheus.Counter
	Dropped   prometheus.Counter
	IdleCount prometheus.Gauge
}

// NewMetrics creates and registers the pool's Prometheus metrics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "pgpool",
			Name:      "acquired_total",
			Help:      "Total number of connections handed out by the pool.",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "pgpool",
			Name:      "released_total",
			Help:      "Total number of connections returned to the pool.",
		}),
		Opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "pgpool",
			Name:      "opened_total",
			Help:      "Total number of new connections dialed.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "pgpool",
			Name:      "dropped_total",
			Help:      "Total number of connections dropped (dead or evicted).",
		}),
		IdleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spns",
			Subsystem: "pgpool",
			Name:      "idle_connections",
			Help:      "Number of connections currently idle in the pool.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.Acquired, m.Released, m.Opened, m.Dropped, m.IdleCount)
	}
	return m
}

type idleEntry struct {
	conn      Connection
	idleSince time.Time
}

// Pool is a LIFO pool of raw connections with bounded idle retention.
type Pool struct {
	cfg     Config
	metrics *Metrics

	mu  sync.Mutex
	idl *list.List // of *idleEntry, back = most recently released
}

// New constructs a Pool. It does not dial any connections eagerly.
func New(cfg Config, metrics *Metrics) *Pool {
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pool{cfg: cfg, metrics: metrics, idl: list.New()}
}

// Conn wraps a pooled connection. Callers must call Release (or Close, to
// discard it instead of returning it) exactly once.
type Conn struct {
	Connection
	pool   *Pool
	closed bool
}

// Release returns the connection to the pool unless it was already closed.
func (c *Conn) Release() {
	if c.closed {
		return
	}
	c.pool.release(c.Connection)
}

// Close discards the connection instead of returning it to the pool.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.metrics.Dropped.Inc()
	return c.Connection.Close(ctx)
}

// Get pops the most recently released live connection (LIFO), dropping
// any dead connections found along the way, or dials a new one if the
// pool is empty.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	for p.idl.Len() > 0 {
		back := p.idl.Back()
		entry := p.idl.Remove(back).(*idleEntry)
		p.mu.Unlock()

		if entry.conn.Ping(ctx) != nil {
			p.metrics.Dropped.Inc()
			_ = entry.conn.Close(ctx)
			p.mu.Lock()
			continue
		}
		p.evict(ctx)
		p.metrics.Acquired.Inc()
		return &Conn{Connection: entry.conn, pool: p}, nil
	}
	p.mu.Unlock()

	conn, err := p.cfg.Dial(ctx, p.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgpool: dial: %w", err)
	}
	p.metrics.Opened.Inc()
	p.metrics.Acquired.Inc()
	return &Conn{Connection: conn, pool: p}, nil
}

func (p *Pool) release(conn Connection) {
	p.mu.Lock()
	p.idl.PushBack(&idleEntry{conn: conn, idleSince: time.Now()})
	p.mu.Unlock()

	p.metrics.Released.Inc()
	p.evict(context.Background())
}

// evict trims the idle list down to MaxIdle and drops entries older than
// MaxIdleTime. Called on both acquisition and release, per spec.md §4.D.
func (p *Pool) evict(ctx context.Context) {
	p.mu.Lock()
	var toDrop []Connection

	if p.cfg.MaxIdleTime > 0 {
		cutoff := time.Now().Add(-p.cfg.MaxIdleTime)
		for e := p.idl.Front(); e != nil; {
			next := e.Next()
			entry := e.Value.(*idleEntry)
			if entry.idleSince.Before(cutoff) {
				toDrop = append(toDrop, entry.conn)
				p.idl.Remove(e)
			}
			e = next
		}
	}

	if p.cfg.MaxIdle >= 0 {
		for p.idl.Len() > p.cfg.MaxIdle {
			front := p.idl.Front()
			entry := p.idl.Remove(front).(*idleEntry)
			toDrop = append(toDrop, entry.conn)
		}
	}

	p.metrics.IdleCount.Set(float64(p.idl.Len()))
	p.mu.Unlock()

	for _, c := range toDrop {
		p.metrics.Dropped.Inc()
		_ = c.Close(ctx)
	}
}

// Idle returns the current number of idle connections, for tests and
// diagnostics.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idl.Len()
}

// Close drains and closes every idle connection.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	entries := p.idl
	p.idl = list.New()
	p.mu.Unlock()

	var firstErr error
	for e := entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*idleEntry)
		if err := entry.conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
