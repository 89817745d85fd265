// Package hivemind implements the HiveMind core engine: the coarse-mutex
// state machine that tracks every known storage node, the swarm each one
// serves, and every subscriber's live subscriptions, and drives the RPC
// surface described in spec.md §4.F.
package hivemind

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oxen-io/session-push-notification-server/internal/audit"
	"github.com/oxen-io/session-push-notification-server/internal/deferred"
	"github.com/oxen-io/session-push-notification-server/internal/snode"
	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/stats"
	"github.com/oxen-io/session-push-notification-server/internal/store"
	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
)

var log = logging.Logger("hivemind")

// Config holds the engine's startup and periodic-timer tunables (spec.md
// §4.F).
type Config struct {
	// BlockNodeAddr is the local oxend/block-node RPC endpoint.
	BlockNodeAddr string

	// NotifiersExpected names the notifier services the engine waits for
	// at startup before flipping ready. Empty means wait NotifierWait and
	// proceed regardless.
	NotifiersExpected []string

	// NotifierWait bounds startup step 4: "wait up to N seconds for
	// notifier registrations".
	NotifierWait time.Duration

	// SlowCheckInterval is the non-fast check_subs cadence (spec.md §4.F
	// step 6).
	SlowCheckInterval time.Duration

	// FastCheckInterval is the fast check_subs cadence.
	FastCheckInterval time.Duration

	// DBCleanupInterval is the db_cleanup cadence.
	DBCleanupInterval time.Duration

	// StatsLogInterval is the periodic stats-snapshot log cadence.
	StatsLogInterval time.Duration

	// FilterLifetime is how long a dedup fingerprint set is kept before
	// filter_rotate replaces it (spec.md §4.F.d item 3).
	FilterLifetime time.Duration

	// MaxPendingConnects caps the number of SNode connection attempts
	// allowed in flight at once (spec.md §4.F State: "pending_connects").
	MaxPendingConnects int
}

// DefaultConfig returns the timer cadences spec.md §4.F names.
func DefaultConfig() Config {
	return Config{
		NotifierWait:       10 * time.Second,
		SlowCheckInterval:  30 * time.Minute,
		FastCheckInterval:  100 * time.Millisecond,
		DBCleanupInterval:  30 * time.Second,
		StatsLogInterval:   15 * time.Second,
		FilterLifetime:     10 * time.Minute,
		MaxPendingConnects: 500,
	}
}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	SubscribeOK          prometheus.Counter
	SubscribeError       *prometheus.CounterVec
	Notifications        prometheus.Counter
	NotificationsDeduped prometheus.Counter
	SNsConnected         prometheus.Gauge
	SubscribersTracked   prometheus.Gauge
}

// NewMetrics builds and, if registerer is non-nil, registers the engine's
// collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubscribeOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "subscribe_ok_total",
			Help:      "Total number of successful push.subscribe calls.",
		}),
		SubscribeError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "subscribe_errors_total",
			Help:      "Total push.subscribe failures by error code.",
		}, []string{"code"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "notifications_total",
			Help:      "Total inbound notify.message calls processed.",
		}),
		NotificationsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "notifications_deduped_total",
			Help:      "Total inbound notifications dropped as duplicates.",
		}),
		SNsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "storage_nodes_connected",
			Help:      "Number of storage nodes currently connected.",
		}),
		SubscribersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spns",
			Subsystem: "hivemind",
			Name:      "subscribers_tracked",
			Help:      "Number of distinct accounts with at least one live subscription.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.SubscribeOK, m.SubscribeError, m.Notifications,
			m.NotificationsDeduped, m.SNsConnected, m.SubscribersTracked,
		)
	}
	return m
}

// subscriberEntry is the in-memory state HiveMind keeps for one account:
// its swarm-space coordinate and every live subscription it has signed.
// Per-subscription notifier routing (service, svcid, svcdata, enc_key)
// lives only in Postgres and is looked up fresh at notify time
// (store.NotificationTargets), so it is not duplicated here.
type subscriberEntry struct {
	pubkey *swarmid.SwarmPubkey
	subs   []*subscription.Subscription
}

// Option configures a HiveMind at construction time.
type Option func(*HiveMind)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(h *HiveMind) { h.cfg = cfg }
}

// WithMetrics sets the engine's Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *HiveMind) { h.metrics = m }
}

// WithDialer overrides the transport.Dialer used to reach SNs, the block
// node, and notifiers.
func WithDialer(d transport.Dialer) Option {
	return func(h *HiveMind) { h.dialer = d }
}

// WithAuditLogger attaches an audit.Logger. Every RPC handler that logs
// an auditable outcome is a no-op if this is never set.
func WithAuditLogger(a *audit.Logger) Option {
	return func(h *HiveMind) { h.audit = a }
}

// WithSNodeMetrics attaches the shared snode.Metrics collector set
// passed to every SNode refreshSNs constructs.
func WithSNodeMetrics(m *snode.Metrics) Option {
	return func(h *HiveMind) { h.snodeMetrics = m }
}

// HiveMind is the coarse-mutex core engine described in spec.md §4.F. Per
// spec.md §5's lock ordering (deferred-lock < core-lock < SNode-lock),
// HiveMind never holds mu while calling into an SNode method, so an SNode
// holding its own lock can safely call back into SubscriptionsFor below.
type HiveMind struct {
	mu sync.Mutex

	snsByPubkey map[[32]byte]*snode.SNode
	swarms      map[uint64]map[[32]byte]*snode.SNode
	swarmIDs    []uint64
	subscribers map[swarmid.AccountID]*subscriberEntry
	services    map[string]transport.Connection

	filter         map[spnscrypto.Hash]struct{}
	filterRotate   map[spnscrypto.Hash]struct{}
	filterRotateAt time.Time

	lastBlockHash   string
	lastBlockHeight int64
	pendingConnects int
	connectCount    int64

	deferredQ *deferred.Queue
	readyCh   chan struct{}
	ready     bool

	runCtx    context.Context
	blockConn transport.Connection

	store   *store.Store
	stats   *stats.Counters
	dialer  transport.Dialer
	cfg          Config
	metrics      *Metrics
	audit        *audit.Logger
	snodeMetrics *snode.Metrics
}

// logAudit is a nil-safe helper so call sites don't need a guard at
// every auditable outcome.
func (h *HiveMind) logAudit(fn func(*audit.Logger)) {
	if h.audit != nil {
		fn(h.audit)
	}
}

// remoteAddr returns the dialed/accepted address of the connection the
// inbound RPC arrived on, or "" if ctx carries none.
func remoteAddr(ctx context.Context) string {
	if conn, ok := transport.ConnectionFromContext(ctx); ok {
		return conn.RemoteAddr()
	}
	return ""
}

// allowConnect gates a new SNode connection attempt against
// MaxPendingConnects (spec.md §4.F State: "pending_connects",
// "connect_count"). A caller that gets false must not dial; the attempt
// will be retried on the next check_subs pass. The counterpart
// finishedConnect must be called exactly once for every true returned
// here, on both connect success and failure.
func (h *HiveMind) allowConnect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pendingConnects >= h.cfg.MaxPendingConnects {
		return false
	}
	h.connectCount++
	h.pendingConnects++
	return true
}

// finishedConnect releases the slot allowConnect reserved. If the gate
// was saturated, a connection attempt may have been skipped elsewhere;
// kick off another check_subs pass so it gets retried promptly instead
// of waiting for the next timer tick.
func (h *HiveMind) finishedConnect() {
	h.mu.Lock()
	tryMore := h.pendingConnects >= h.cfg.MaxPendingConnects
	h.pendingConnects--
	h.mu.Unlock()

	if tryMore {
		h.checkSubs(h.backgroundCtx(), false)
	}
}

// New constructs a HiveMind bound to st for persistence and statsCounters
// for the stats surface. Callers must call Start before serving RPCs.
func New(st *store.Store, statsCounters *stats.Counters, opts ...Option) *HiveMind {
	h := &HiveMind{
		snsByPubkey:  make(map[[32]byte]*snode.SNode),
		swarms:       make(map[uint64]map[[32]byte]*snode.SNode),
		subscribers:  make(map[swarmid.AccountID]*subscriberEntry),
		services:     make(map[string]transport.Connection),
		filter:       make(map[spnscrypto.Hash]struct{}),
		filterRotate: make(map[spnscrypto.Hash]struct{}),
		deferredQ:    deferred.New(),
		readyCh:      make(chan struct{}),
		store:        st,
		stats:        statsCounters,
		cfg:          DefaultConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// RegisterHandlers wires every inbound RPC method onto d. Start does
// this for you; exported separately so tests can wire a bare dispatcher
// without running the full startup sequence.
func (h *HiveMind) RegisterHandlers(d *transport.Dispatcher) {
	d.Handle("push.subscribe", h.handleSubscribe)
	d.Handle("push.unsubscribe", h.handleUnsubscribe)
	d.Handle("admin.register_service", h.handleRegisterService)
	d.Handle("notify.block", h.handleNotifyBlock)
	d.Handle("notify.message", h.handleNotifyMessage)
}

// SubscriptionsFor implements snode.SubscriptionSource. It is the one
// path by which a locked SNode calls back into HiveMind; since HiveMind
// never holds mu while calling into an SNode, this cannot deadlock.
func (h *HiveMind) SubscriptionsFor(id swarmid.AccountID) (sessionEd []byte, subs []*subscription.Subscription, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, exists := h.subscribers[id]
	if !exists {
		return nil, nil, false
	}
	if entry.pubkey.SessionEd {
		sessionEd = []byte(entry.pubkey.Ed25519)
	}
	return sessionEd, entry.subs, true
}

// waitUntilReady blocks until the engine has flipped ready or ctx ends.
func (h *HiveMind) waitUntilReady(ctx context.Context) error {
	h.mu.Lock()
	ready := h.ready
	ch := h.readyCh
	h.mu.Unlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backgroundCtx returns the engine's long-lived run context, for work
// kicked off from deferred closures that must outlive the RPC call that
// triggered them.
func (h *HiveMind) backgroundCtx() context.Context {
	if h.runCtx != nil {
		return h.runCtx
	}
	return context.Background()
}

func (h *HiveMind) snapshotNodes() []*snode.SNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	nodes := make([]*snode.SNode, 0, len(h.snsByPubkey))
	for _, n := range h.snsByPubkey {
		nodes = append(nodes, n)
	}
	return nodes
}
