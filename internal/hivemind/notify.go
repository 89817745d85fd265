package hivemind

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/oxen-io/session-push-notification-server/internal/audit"
	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/store"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
	"github.com/oxen-io/session-push-notification-server/internal/validation"
	"github.com/oxen-io/session-push-notification-server/internal/wire"
)

// filterKey is the HMAC-ish key the dedup fingerprint is hashed under.
// It is a fixed value for the life of the process; rotating the filter
// does not change it (spec.md §4.F.d item 3).
var filterKey = []byte("spns-hivemind-notify-dedup")

// handleRegisterService implements admin.register_service (spec.md
// §4.F): binds a notifier service name to the connection it arrived on,
// for later notifier.validate/notifier.push calls.
func (h *HiveMind) handleRegisterService(ctx context.Context, parts [][]byte) ([][]byte, error) {
	if len(parts) < 1 {
		return nil, fmt.Errorf("hivemind: admin.register_service: missing service name")
	}
	service := string(parts[0])
	if err := validation.ValidateServiceName(service); err != nil {
		return nil, err
	}
	conn, ok := transport.ConnectionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("hivemind: admin.register_service: no peer connection in context")
	}

	h.mu.Lock()
	h.services[service] = conn
	h.mu.Unlock()

	log.Infow("notifier service registered", "service", service, "addr", conn.RemoteAddr())
	h.logAudit(func(a *audit.Logger) { a.LogNotifierRegistered(service, conn.RemoteAddr()) })
	return nil, nil
}

// handleNotifyBlock implements notify.block: the local block node tells
// HiveMind the active storage-node set may have changed, triggering
// refresh_sns (spec.md §4.F.e). It goes through the deferred queue, so a
// notify.block that arrives before the engine is ready waits for the
// ready flip; once ready, it runs inline.
func (h *HiveMind) handleNotifyBlock(ctx context.Context, parts [][]byte) ([][]byte, error) {
	h.deferredQ.Defer(func() {
		if err := h.refreshSNs(h.backgroundCtx()); err != nil {
			log.Errorw("refresh_sns failed", "error", err)
		}
	})
	return nil, nil
}

// handleNotifyMessage implements notify.message: an SN is forwarding one
// new stored message for fan-out to subscribed notifiers (spec.md
// §4.F.d). Deferred until ready, same as notify.block.
func (h *HiveMind) handleNotifyMessage(ctx context.Context, parts [][]byte) ([][]byte, error) {
	if len(parts) < 1 {
		return nil, fmt.Errorf("hivemind: notify.message: missing body")
	}
	body := append([]byte(nil), parts[0]...)
	h.deferredQ.Defer(func() {
		h.onMessageNotification(h.backgroundCtx(), body)
	})
	return nil, nil
}

// onMessageNotification implements spec.md §4.F.d: decode the incoming
// notification, look up every subscribed (service, svcid) target for its
// account and namespace, dedup by fingerprint, and push a notification to
// each notifier that hasn't already seen this (service, svcid, hash)
// triple.
func (h *HiveMind) onMessageNotification(ctx context.Context, body []byte) {
	h.metrics.Notifications.Inc()

	notif, err := wire.DecodeIncomingNotification(body)
	if err != nil {
		log.Warnw("notify.message: malformed body", "error", err)
		return
	}

	var account [33]byte
	copy(account[:], notif.Account[:])

	targets, err := h.store.NotificationTargets(ctx, account, notif.Namespace)
	if err != nil {
		log.Errorw("notify.message: notification_targets query failed", "error", err)
		return
	}

	var pushed int64
	for _, target := range targets {
		if h.pushToTarget(ctx, notif, target) {
			pushed++
		}
	}
	if pushed > 0 {
		_ = h.stats.Increment(ctx, "", "notifications", pushed)
	}
}

// pushToTarget reports whether a push was actually sent to the notifier,
// so onMessageNotification can count step 7 of 4.F.d's "notifications"
// stat by pushes sent, not by inbound notify.message calls.
func (h *HiveMind) pushToTarget(ctx context.Context, notif *wire.IncomingNotification, target store.NotificationTarget) bool {
	accountIDHex := hex.EncodeToString(notif.Account[:])

	fp, err := spnscrypto.KeyedHash(h.currentFilterKey(), []byte(target.Service), []byte(target.SvcID), notif.Hash)
	if err != nil {
		log.Errorw("notify.message: fingerprint failed", "error", err)
		return false
	}

	if h.seenAndMark(fp) {
		h.metrics.NotificationsDeduped.Inc()
		h.logAudit(func(a *audit.Logger) { a.LogNotificationPushed(accountIDHex, target.Service, target.SvcID, true, true, "") })
		return false
	}

	h.mu.Lock()
	conn, ok := h.services[target.Service]
	h.mu.Unlock()
	if !ok {
		log.Warnw("notify.message: target service not registered", "service", target.Service)
		h.logAudit(func(a *audit.Logger) {
			a.LogNotificationPushed(accountIDHex, target.Service, target.SvcID, false, false, "target service not registered")
		})
		return false
	}

	push := &wire.PushNotification{
		Service:   target.Service,
		SvcData:   target.SvcData,
		HasData:   len(target.SvcData) > 0,
		Hash:      notif.Hash,
		SvcID:     target.SvcID,
		Account:   notif.Account,
		EncKey:    target.EncKey,
		Namespace: notif.Namespace,
	}
	if target.WantData && notif.HasBody {
		push.Body = notif.Body
		push.HasBody = true
	}

	encoded, err := push.Encode()
	if err != nil {
		log.Errorw("notify.message: encode push failed", "error", err)
		h.logAudit(func(a *audit.Logger) { a.LogNotificationPushed(accountIDHex, target.Service, target.SvcID, false, false, err.Error()) })
		return false
	}

	if err := transport.NotifierPush(ctx, conn, encoded); err != nil {
		log.Warnw("notify.message: notifier.push failed", "service", target.Service, "error", err)
		h.logAudit(func(a *audit.Logger) { a.LogNotificationPushed(accountIDHex, target.Service, target.SvcID, false, false, err.Error()) })
		return false
	}
	h.logAudit(func(a *audit.Logger) { a.LogNotificationPushed(accountIDHex, target.Service, target.SvcID, false, true, "") })
	return true
}
