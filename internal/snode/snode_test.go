package snode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	requests [][]byte
}

func (c *fakeConn) Request(ctx context.Context, method string, parts ...[]byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(parts) > 0 {
		c.requests = append(c.requests, parts[0])
	}
	return nil, nil
}
func (c *fakeConn) Command(ctx context.Context, method string, parts ...[]byte) error { return nil }
func (c *fakeConn) RemoteAddr() string                                                { return "fake" }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Done() <-chan struct{} { return make(chan struct{}) }

type fakeDialer struct {
	fail bool
	conn *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Connection, error) {
	if d.fail {
		return nil, errors.New("dial failed")
	}
	return d.conn, nil
}

func testAccount(b byte) swarmid.AccountID {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID
	id[1] = b
	return id
}

// waitForState polls until n reaches want or the deadline passes, since
// Connect's dial now runs on its own goroutine rather than blocking the
// caller.
func waitForState(t *testing.T, n *SNode, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %v, got %v", want, n.State())
}

func TestConnectSuccessTransitionsToConnected(t *testing.T) {
	conn := &fakeConn{}
	n := New([32]byte{}, "addr", 0, &fakeDialer{conn: conn})
	n.Connect(context.Background())
	waitForState(t, n, Connected)
}

func TestConnectFailureEntersCooldown(t *testing.T) {
	n := New([32]byte{}, "addr", 0, &fakeDialer{fail: true})
	n.Connect(context.Background())
	waitForState(t, n, Cooldown)
}

func TestConnectWhileInCooldownIsNoop(t *testing.T) {
	n := New([32]byte{}, "addr", 0, &fakeDialer{fail: true})
	n.Connect(context.Background())
	waitForState(t, n, Cooldown)
	n.Connect(context.Background())
	if n.State() != Cooldown {
		t.Fatalf("expected to remain in Cooldown while backoff has not elapsed")
	}
}

func TestAddAccountInsertsAtFront(t *testing.T) {
	n := New([32]byte{}, "addr", 100, &fakeDialer{})
	id := testAccount(1)
	pk := swarmid.New(id, nil, false)
	n.AddAccount(pk, false)
	if !n.Contains(id) {
		t.Fatalf("expected account to be a member after AddAccount")
	}
}

func TestAddAccountForceNowScavenges(t *testing.T) {
	n := New([32]byte{}, "addr", 100, &fakeDialer{})
	id := testAccount(2)
	pk := swarmid.New(id, nil, false)
	n.AddAccount(pk, false)
	n.AddAccount(pk, true)
	if !n.Contains(id) {
		t.Fatalf("expected account to remain a member after force_now re-add")
	}
	if n.queue.Len() != 2 {
		t.Fatalf("expected the old entry to remain in the queue as a lazily-deleted tombstone, got len %d", n.queue.Len())
	}
}

func TestRemoveStaleSwarmMembersDropsNonMatching(t *testing.T) {
	n := New([32]byte{}, "addr", 100, &fakeDialer{})
	id := testAccount(3)
	pk := swarmid.New(id, nil, false)
	pk.Swarm = 999 // does not match n.swarmID
	n.AddAccount(pk, false)

	n.RemoveStaleSwarmMembers([]uint64{999})
	if n.Contains(id) {
		t.Fatalf("expected member removed once its recomputed swarm diverges from this node's")
	}
}

type fakeSource struct {
	subs map[swarmid.AccountID][]*subscription.Subscription
}

func (f *fakeSource) SubscriptionsFor(id swarmid.AccountID) ([]byte, []*subscription.Subscription, bool) {
	s, ok := f.subs[id]
	return nil, s, ok
}

func TestCheckSubsDrainsDueEntries(t *testing.T) {
	conn := &fakeConn{}
	n := New([32]byte{}, "addr", 100, &fakeDialer{conn: conn})
	n.Connect(context.Background())
	waitForState(t, n, Connected)

	id := testAccount(4)
	pk := swarmid.New(id, nil, false)
	n.AddAccount(pk, false)

	source := &fakeSource{subs: map[swarmid.AccountID][]*subscription.Subscription{
		id: {subscription.NewUnvalidated(nil, []int16{0}, false, time.Now().Unix(), [64]byte{})},
	}}

	n.CheckSubs(context.Background(), source, false, false)

	// The send happens asynchronously; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		got := len(conn.requests)
		conn.mu.Unlock()
		if got > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.requests) != 1 {
		t.Fatalf("expected exactly one monitor.messages request, got %d", len(conn.requests))
	}
}

func TestCheckSubsRequestsConnectWhenDisconnected(t *testing.T) {
	n := New([32]byte{}, "addr", 100, &fakeDialer{fail: true})
	source := &fakeSource{subs: map[swarmid.AccountID][]*subscription.Subscription{}}
	n.CheckSubs(context.Background(), source, false, false)
	waitForState(t, n, Cooldown)
}
