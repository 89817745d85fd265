package pgpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeConn struct {
	id     int
	dead   bool
	closed bool
}

func (f *fakeConn) Ping(ctx context.Context) error {
	if f.dead {
		return errors.New("connection is dead")
	}
	return nil
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) { return nil, nil }
func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

func newTestPool(t *testing.T, maxIdle int, maxIdleTime time.Duration) (*Pool, *int) {
	t.Helper()
	var dialed int
	dial := func(ctx context.Context, dsn string) (Connection, error) {
		dialed++
		return &fakeConn{id: dialed}, nil
	}
	p := New(Config{DSN: "test", MaxIdle: maxIdle, MaxIdleTime: maxIdleTime, Dial: dial}, nil)
	return p, &dialed
}

func TestGetDialsWhenEmpty(t *testing.T) {
	p, dialed := newTestPool(t, -1, 0)
	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *dialed != 1 {
		t.Fatalf("expected 1 dial, got %d", *dialed)
	}
	conn.Release()
	if p.Idle() != 1 {
		t.Fatalf("expected 1 idle connection after release, got %d", p.Idle())
	}
}

func TestGetReusesReleasedConnectionLIFO(t *testing.T) {
	p, dialed := newTestPool(t, -1, 0)
	ctx := context.Background()

	c1, _ := p.Get(ctx)
	c2, _ := p.Get(ctx)
	if *dialed != 2 {
		t.Fatalf("expected 2 dials, got %d", *dialed)
	}

	first := c1.Connection.(*fakeConn)
	second := c2.Connection.(*fakeConn)
	c1.Release()
	c2.Release()

	got, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Connection.(*fakeConn) != second {
		t.Fatalf("expected LIFO reuse of most recently released connection")
	}

	got2, _ := p.Get(ctx)
	if got2.Connection.(*fakeConn) != first {
		t.Fatalf("expected second pop to return the first connection")
	}
	got.Release()
	got2.Release()
}

func TestGetDropsDeadConnections(t *testing.T) {
	p, dialed := newTestPool(t, -1, 0)
	ctx := context.Background()

	c, _ := p.Get(ctx)
	c.Connection.(*fakeConn).dead = true
	c.Release()

	if *dialed != 1 {
		t.Fatalf("expected 1 dial before reacquire, got %d", *dialed)
	}
	got, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *dialed != 2 {
		t.Fatalf("expected dead connection to be dropped and a new one dialed, got %d dials", *dialed)
	}
	got.Release()
}

func TestEvictTrimsToMaxIdle(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)
	ctx := context.Background()

	c1, _ := p.Get(ctx)
	c2, _ := p.Get(ctx)
	c3, _ := p.Get(ctx)
	c1.Release()
	c2.Release()
	c3.Release()

	if got := p.Idle(); got != 1 {
		t.Fatalf("expected pool trimmed to MaxIdle=1, got %d idle", got)
	}
}

func TestEvictDropsExpiredIdleConnections(t *testing.T) {
	p, _ := newTestPool(t, -1, 10*time.Millisecond)
	ctx := context.Background()

	c, _ := p.Get(ctx)
	c2, _ := p.Get(ctx)
	c.Release()

	time.Sleep(20 * time.Millisecond)

	c2.Release()

	p.evict(ctx)
	if got := p.Idle(); got != 1 {
		t.Fatalf("expected the stale connection to be evicted, leaving 1 idle, got %d", got)
	}
}

func TestConnCloseDiscardsInsteadOfReleasing(t *testing.T) {
	p, _ := newTestPool(t, -1, 0)
	ctx := context.Background()

	c, _ := p.Get(ctx)
	fc := c.Connection.(*fakeConn)
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fc.closed {
		t.Fatalf("expected underlying connection to be closed")
	}
	c.Release()
	if p.Idle() != 0 {
		t.Fatalf("expected Release after Close to be a no-op")
	}
}
