package hivemind

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/store"
	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
)

// Start runs the engine's seven-step startup sequence (spec.md §4.F),
// then begins serving RPCs on listener and returns once the engine is
// ready and its periodic timers are running. The returned error is
// always a structural startup failure; per-row load failures are logged
// and skipped rather than propagated.
func (h *HiveMind) Start(ctx context.Context, listener transport.Listener, dispatcher *transport.Dispatcher) error {
	if h.dialer == nil {
		return fmt.Errorf("hivemind: start: no dialer configured")
	}
	h.runCtx = ctx

	// Step 1: db_cleanup.
	if n, err := h.store.DBCleanup(ctx); err != nil {
		return fmt.Errorf("hivemind: start: db_cleanup: %w", err)
	} else if n > 0 {
		log.Infow("startup db_cleanup removed expired subscriptions", "count", n)
	}

	// Step 2: load_saved_subscriptions.
	if err := h.loadSavedSubscriptions(ctx); err != nil {
		return fmt.Errorf("hivemind: start: load_saved_subscriptions: %w", err)
	}

	// Step 3: connect to the local block node and ping it.
	blockConn, err := h.dialer.Dial(ctx, h.cfg.BlockNodeAddr)
	if err != nil {
		return fmt.Errorf("hivemind: start: dial block node: %w", err)
	}
	if err := transport.Ping(ctx, blockConn); err != nil {
		return fmt.Errorf("hivemind: start: ping block node: %w", err)
	}
	h.blockConn = blockConn

	h.RegisterHandlers(dispatcher)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listener.Serve(ctx, dispatcher)
	}()

	// Step 4: wait for notifier registrations.
	h.waitForNotifiers(ctx)

	// Step 5: flip ready and drain anything deferred while we were
	// starting up.
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	close(h.readyCh)
	h.deferredQ.Ready()

	// Step 6: start periodic timers.
	go h.runTimers(ctx)

	// Step 7: initial SN list fetch.
	if err := h.refreshSNs(ctx); err != nil {
		log.Errorw("initial refresh_sns failed", "error", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("hivemind: listener stopped: %w", err)
		}
	default:
	}
	return nil
}

// loadSavedSubscriptions implements spec.md §4.F startup step 2:
// reconstruct every subscriber's in-memory state from the DB without
// re-running signature verification. A row that fails to reconstruct is
// logged and skipped; only a structural store failure aborts startup.
func (h *HiveMind) loadSavedSubscriptions(ctx context.Context) error {
	return h.store.LoadAll(ctx, func(row store.Row) error {
		sub, err := rowToSubscriber(row)
		if err != nil {
			log.Warnw("skipping unloadable subscription row", "error", err)
			return nil
		}

		var sig [64]byte
		copy(sig[:], row.Signature[:])
		subModel := subscription.NewUnvalidated(sub.subaccount, row.Namespaces, row.WantData, row.SigTS, sig)

		h.mu.Lock()
		entry, exists := h.subscribers[sub.id]
		if !exists {
			pk := swarmid.New(sub.id, sub.accountEd, row.SessionEd != nil)
			entry = &subscriberEntry{pubkey: pk}
			h.subscribers[sub.id] = entry
		}
		entry.subs, _ = mergeSubscription(entry.subs, subModel)
		h.mu.Unlock()

		return nil
	})
}

type loadedSubscriber struct {
	id         swarmid.AccountID
	accountEd  ed25519.PublicKey
	subaccount *spnscrypto.Subaccount
}

func rowToSubscriber(row store.Row) (loadedSubscriber, error) {
	var out loadedSubscriber
	copy(out.id[:], row.Account[:])

	if row.SessionEd != nil {
		out.accountEd = ed25519.PublicKey(row.SessionEd)
	} else {
		out.accountEd = ed25519.PublicKey(append([]byte(nil), out.id[1:]...))
	}

	if row.SubaccountTag != nil && row.SubaccountSig != nil {
		out.subaccount = &spnscrypto.Subaccount{Tag: *row.SubaccountTag, Sig: *row.SubaccountSig}
	}
	return out, nil
}

// waitForNotifiers blocks until every configured notifier service has
// registered, or NotifierWait elapses, whichever comes first (spec.md
// §4.F startup step 4).
func (h *HiveMind) waitForNotifiers(ctx context.Context) {
	deadline := time.Now().Add(h.cfg.NotifierWait)
	if len(h.cfg.NotifiersExpected) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(h.cfg.NotifierWait):
		}
		return
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if h.allNotifiersRegistered() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	log.Warnw("not all expected notifiers registered before startup deadline")
}

func (h *HiveMind) allNotifiersRegistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range h.cfg.NotifiersExpected {
		if _, ok := h.services[name]; !ok {
			return false
		}
	}
	return true
}

// runTimers drives every periodic background task named in spec.md §4.F
// step 6: db_cleanup, slow and fast check_subs passes, and a stats log.
func (h *HiveMind) runTimers(ctx context.Context) {
	dbCleanup := time.NewTicker(h.cfg.DBCleanupInterval)
	slowCheck := time.NewTicker(h.cfg.SlowCheckInterval)
	fastCheck := time.NewTicker(h.cfg.FastCheckInterval)
	statsLog := time.NewTicker(h.cfg.StatsLogInterval)
	defer dbCleanup.Stop()
	defer slowCheck.Stop()
	defer fastCheck.Stop()
	defer statsLog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dbCleanup.C:
			if n, err := h.store.DBCleanup(ctx); err != nil {
				log.Warnw("periodic db_cleanup failed", "error", err)
			} else if n > 0 {
				log.Infow("periodic db_cleanup removed expired subscriptions", "count", n)
			}
		case <-slowCheck.C:
			h.checkSubs(ctx, false)
		case <-fastCheck.C:
			h.checkSubs(ctx, true)
		case <-statsLog.C:
			if snap, err := h.stats.Snapshot(ctx); err != nil {
				log.Warnw("stats snapshot failed", "error", err)
			} else {
				log.Infow("stats snapshot", "snapshot", string(snap))
			}
		}
	}
}

// checkSubs fans the periodic resubscribe drain out to every known SN,
// never holding the core mutex while calling into an SNode (spec.md §5).
func (h *HiveMind) checkSubs(ctx context.Context, fast bool) {
	for _, n := range h.snapshotNodes() {
		n.CheckSubs(ctx, h, false, fast)
	}
}
