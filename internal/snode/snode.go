// Package snode implements the per-remote-storage-node state machine
// described in spec.md §4.E: connection lifecycle, cooldown backoff, the
// lazily-deleted resubscribe FIFO, and the batched check_subs drain loop
// that sends "monitor.messages".
package snode

import (
	"container/list"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
)

// State is one point in the SNode lifecycle:
// Disconnected -> Connecting -> Connected -> (Cooldown -> Connecting)* -> Disposed.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Cooldown
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Cooldown:
		return "cooldown"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// cooldownBackoff is the saturating reconnect backoff ladder (spec.md
// §4.E: "backoff walks [10s, 30s, 60s, 120s] and saturates at 120s").
var cooldownBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}

// SubsRequestLimit bounds the encoded size of one monitor.messages body
// (spec.md §4.E: "~5,000,000 bytes").
const SubsRequestLimit = 5_000_000

// ResubscribeMin and ResubscribeMax bound the uniform jitter applied to
// each re-pushed queue entry's due time (spec.md §4.E: "[45min, 55min]").
const (
	ResubscribeMin = 45 * time.Minute
	ResubscribeMax = 55 * time.Minute
)

// SubscriptionSource resolves an account's current subscriptions and, if
// it is a Session ID, its session Ed25519 master key for the P dict key.
type SubscriptionSource interface {
	SubscriptionsFor(id swarmid.AccountID) (sessionEd []byte, subs []*subscription.Subscription, ok bool)
}

type queueEntry struct {
	pubkey *swarmid.SwarmPubkey
	due    time.Time
	valid  bool
}

// SNode manages one remote storage node connection and its resubscribe
// queue. Every exported method is internally synchronized; per spec.md
// §5's lock ordering, callers must never hold the HiveMind core mutex
// while calling into an SNode.
type SNode struct {
	mu sync.Mutex

	pubkey        [32]byte
	addr          string
	dialer        transport.Dialer
	conn          transport.Connection
	state         State
	cooldownUntil time.Time
	cooldownStep  int
	swarmID       uint64

	queue   *list.List // of *queueEntry, front = next due
	members map[swarmid.AccountID]*list.Element

	onConnected  func(n *SNode)
	allowConnect func() bool
	connectDone  func()
	rng          *rand.Rand

	generation int64

	metrics *Metrics
}

// Metrics holds the SNode population's Prometheus collectors. A single
// Metrics is shared across every SNode instance, labeled implicitly by
// the aggregate nature of the counters/gauges (per-node cardinality
// would be unbounded as nodes churn).
type Metrics struct {
	ConnectSucceeded prometheus.Counter
	ConnectFailed    prometheus.Counter
	CooldownEntries  prometheus.Counter
	QueueLength      prometheus.Gauge
}

// NewMetrics creates and, if registerer is non-nil, registers the
// snode package's Prometheus metrics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "snode",
			Name:      "connect_succeeded_total",
			Help:      "Total successful storage-node connection attempts.",
		}),
		ConnectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "snode",
			Name:      "connect_failed_total",
			Help:      "Total failed storage-node connection attempts.",
		}),
		CooldownEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "snode",
			Name:      "cooldown_entries_total",
			Help:      "Total transitions into cooldown backoff.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spns",
			Subsystem: "snode",
			Name:      "resubscribe_queue_length",
			Help:      "Current length of the most recently touched resubscribe queue.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.ConnectSucceeded, m.ConnectFailed, m.CooldownEntries, m.QueueLength)
	}
	return m
}

// Option configures an SNode at construction time.
type Option func(*SNode)

// WithOnConnected registers a callback HiveMind uses to trigger a full
// resubscription pass once the node transitions to Connected.
func WithOnConnected(fn func(n *SNode)) Option {
	return func(n *SNode) { n.onConnected = fn }
}

// WithMetrics attaches a shared Metrics collector set.
func WithMetrics(m *Metrics) Option {
	return func(n *SNode) { n.metrics = m }
}

// WithConnectGate bounds concurrent connection attempts across every
// SNode sharing the gate (spec.md §4.F State: "pending_connects",
// "connect_count"). allow must return false when the caller should not
// dial yet; done must be called exactly once for every dial attempt
// allow let through, on both success and failure.
func WithConnectGate(allow func() bool, done func()) Option {
	return func(n *SNode) {
		n.allowConnect = allow
		n.connectDone = done
	}
}

// New constructs a disconnected SNode identified by pubkey (the storage
// node's own x25519 network key, distinct from any subscriber AccountID)
// and bound to addr.
func New(pubkey [32]byte, addr string, swarmID uint64, dialer transport.Dialer, opts ...Option) *SNode {
	n := &SNode{
		pubkey:  pubkey,
		addr:    addr,
		swarmID: swarmID,
		dialer:  dialer,
		state:   Disconnected,
		queue:   list.New(),
		members: make(map[swarmid.AccountID]*list.Element),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Pubkey returns the storage node's own network identity.
func (n *SNode) Pubkey() [32]byte {
	return n.pubkey
}

// Addr returns the address this node is currently bound to.
func (n *SNode) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// State returns the current lifecycle state.
func (n *SNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SwarmID returns the swarm this node currently belongs to.
func (n *SNode) SwarmID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.swarmID
}

// connectTimeout bounds a single dial attempt so one slow or unreachable
// storage node can never hold up the caller; the original implementation's
// omq_.connect_remote resolves via callback and never blocks its caller
// either.
const connectTimeout = 10 * time.Second

// Connect requests a connection if currently disconnected and not in
// cooldown; a connection already pending or established is a no-op. The
// dial itself runs on its own goroutine so a slow or unreachable node
// cannot stall the caller (spec.md §5: "RPC requests are non-blocking").
// If a connect gate is attached (WithConnectGate), the attempt is also
// subject to its admission check; a rejected attempt is simply skipped,
// to be retried on the next check_subs pass.
func (n *SNode) Connect(ctx context.Context) {
	n.mu.Lock()
	if n.state == Disposed {
		n.mu.Unlock()
		return
	}
	if n.state == Cooldown && time.Now().Before(n.cooldownUntil) {
		n.mu.Unlock()
		return
	}
	if n.state == Connecting || n.state == Connected {
		n.mu.Unlock()
		return
	}
	gate := n.allowConnect
	done := n.connectDone
	n.mu.Unlock()

	if gate != nil && !gate() {
		return
	}

	// Re-check: state may have moved on while the gate was being
	// consulted (disposed, or another caller already started connecting).
	n.mu.Lock()
	if n.state == Disposed || n.state == Connecting || n.state == Connected {
		n.mu.Unlock()
		if done != nil {
			done()
		}
		return
	}
	n.state = Connecting
	gen := n.generation
	addr := n.addr
	n.mu.Unlock()

	go func() {
		if done != nil {
			defer done()
		}
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		conn, err := n.dialer.Dial(dialCtx, addr)
		if err != nil {
			n.onConnectFailed(gen)
			return
		}
		n.onConnectSucceeded(conn, gen)
	}()
}

// onConnectSucceeded installs a newly-dialed connection, unless gen no
// longer matches the node's current generation: a concurrent
// ConnectAddr or Dispose superseded this attempt while it was in flight,
// so the connection has no home and is closed unused. This is spec.md
// §9's open question on a lost in-flight connect racing a swarm
// reassignment, preserved rather than silently hardened away.
func (n *SNode) onConnectSucceeded(conn transport.Connection, gen int64) {
	n.mu.Lock()
	if n.generation != gen || n.state == Disposed {
		n.mu.Unlock()
		_ = conn.Close()
		return
	}
	n.conn = conn
	n.state = Connected
	n.cooldownStep = 0
	// Reset every queued subscription to epoch so the next check_subs
	// treats all of them as immediately overdue (spec.md §4.E).
	for e := n.queue.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*queueEntry)
		if entry.valid {
			entry.due = epoch
		}
	}
	cb := n.onConnected
	metrics := n.metrics
	n.mu.Unlock()

	if metrics != nil {
		metrics.ConnectSucceeded.Inc()
	}
	if cb != nil {
		cb(n)
	}
}

func (n *SNode) onConnectFailed(gen int64) {
	n.mu.Lock()
	if n.generation != gen || n.state == Disposed {
		n.mu.Unlock()
		return
	}
	step := n.cooldownStep
	if step >= len(cooldownBackoff) {
		step = len(cooldownBackoff) - 1
	}
	backoff := cooldownBackoff[step]
	n.cooldownUntil = time.Now().Add(backoff)
	if n.cooldownStep < len(cooldownBackoff)-1 {
		n.cooldownStep++
	}
	n.state = Cooldown
	metrics := n.metrics
	n.mu.Unlock()

	if metrics != nil {
		metrics.ConnectFailed.Inc()
		metrics.CooldownEntries.Inc()
	}
}

// ConnectAddr reconnects to a new address if it differs from the current
// one, disconnecting first (spec.md §4.E: "connect(new_addr)").
func (n *SNode) ConnectAddr(ctx context.Context, addr string) {
	n.mu.Lock()
	if n.addr == addr {
		n.mu.Unlock()
		return
	}
	n.addr = addr
	conn := n.conn
	n.conn = nil
	n.state = Disconnected
	n.generation++
	n.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	n.Connect(ctx)
}

// ResetSwarm clears the subscription set and queue and adopts a new
// swarm id (spec.md §4.E: "reset_swarm(new_id)").
func (n *SNode) ResetSwarm(newID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swarmID = newID
	n.queue = list.New()
	n.members = make(map[swarmid.AccountID]*list.Element)
}

// Dispose marks the node permanently disposed and closes its connection.
func (n *SNode) Dispose() {
	n.mu.Lock()
	n.state = Disposed
	n.generation++
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// AddAccount inserts pubkey into the resubscribe set, or scavenges and
// re-fronts it when forceNow is set (spec.md §4.E add_account).
func (n *SNode) AddAccount(pubkey *swarmid.SwarmPubkey, forceNow bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	existing, present := n.members[pubkey.ID]
	if !present {
		elem := n.queue.PushFront(&queueEntry{pubkey: pubkey, due: epoch, valid: true})
		n.members[pubkey.ID] = elem
		n.reportQueueLengthLocked()
		return
	}
	if forceNow {
		existing.Value.(*queueEntry).valid = false
		delete(n.members, pubkey.ID)
		elem := n.queue.PushFront(&queueEntry{pubkey: pubkey, due: epoch, valid: true})
		n.members[pubkey.ID] = elem
		n.reportQueueLengthLocked()
	}
}

// reportQueueLengthLocked must be called with mu held.
func (n *SNode) reportQueueLengthLocked() {
	if n.metrics != nil {
		n.metrics.QueueLength.Set(float64(n.queue.Len()))
	}
}

// RemoveStaleSwarmMembers recomputes each queued subscriber's swarm
// against sortedSwarmIDs and removes any whose swarm no longer equals
// this node's (spec.md §4.E: "remove_stale_swarm_members").
func (n *SNode) RemoveStaleSwarmMembers(sortedSwarmIDs []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for e := n.queue.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*queueEntry)
		if entry.valid {
			entry.pubkey.UpdateSwarm(sortedSwarmIDs)
			if entry.pubkey.Swarm != n.swarmID {
				entry.valid = false
				delete(n.members, entry.pubkey.ID)
			}
		}
		e = next
	}
}

// Contains reports whether id is currently a live member of this node's
// resubscribe set.
func (n *SNode) Contains(id swarmid.AccountID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.members[id]
	return ok
}
