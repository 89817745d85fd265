package hivemind

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/audit"
	"github.com/oxen-io/session-push-notification-server/internal/snode"
	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/store"
	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
	"github.com/oxen-io/session-push-notification-server/internal/validation"
)

// mergeSubscription inserts sub into subs, deduping against any existing
// entry with the same (subaccount, namespaces, want_data) triple via
// IsSame and keeping
// whichever signature IsNewer reports as newer. Both the subscribe
// handler and startup's load_saved_subscriptions (spec.md §4.F startup
// step 2) go through this so a restart can't duplicate an entry a live
// subscribe call would have merged. Reports whether sub was a genuinely
// new triple (appended rather than merged into an existing one).
func mergeSubscription(subs []*subscription.Subscription, sub *subscription.Subscription) ([]*subscription.Subscription, bool) {
	for i, existing := range subs {
		if existing.IsSame(sub) {
			if sub.IsNewer(existing) {
				subs[i] = sub
			}
			return subs, false
		}
	}
	return append(subs, sub), true
}

// subaccountJSON is the nested form of a subscribe/unsubscribe request's
// delegated-credential field (spec.md §4.F.a: "32- or 36-byte tag +
// 64-byte sig").
type subaccountJSON struct {
	Tag string `json:"tag"`
	Sig string `json:"sig"`
}

type subscribeRequest struct {
	Pubkey         string          `json:"pubkey"`
	SessionEd25519 string          `json:"session_ed25519"`
	SubkeyTag      string          `json:"subkey_tag"`
	SubkeySig      string          `json:"subkey_sig"`
	Subaccount     *subaccountJSON `json:"subaccount"`
	Namespaces     []int16         `json:"namespaces"`
	Data           bool            `json:"data"`
	SigTS          int64           `json:"sig_ts"`
	Signature      string          `json:"signature"`
	Service        string          `json:"service"`
	ServiceInfo    json.RawMessage `json:"service_info"`
	EncKey         string          `json:"enc_key"`
}

type unsubscribeRequest struct {
	Pubkey         string          `json:"pubkey"`
	SessionEd25519 string          `json:"session_ed25519"`
	SubkeyTag      string          `json:"subkey_tag"`
	SubkeySig      string          `json:"subkey_sig"`
	Subaccount     *subaccountJSON `json:"subaccount"`
	SigTS          int64           `json:"sig_ts"`
	Signature      string          `json:"signature"`
	Service        string          `json:"service"`
	ServiceInfo    json.RawMessage `json:"service_info"`
}

// parseAccountFields decodes the pubkey/session_ed25519/subaccount triple
// shared by subscribe and unsubscribe, returning the account id, the
// Ed25519 key signatures are checked against, and the subaccount
// credential if one was presented.
func parseAccountFields(pubkeyStr, sessionEdStr string, subaccount *subaccountJSON, subkeyTag, subkeySig string) (swarmid.AccountID, ed25519.PublicKey, *spnscrypto.Subaccount, error) {
	var id swarmid.AccountID

	raw, err := validation.DecodeFlexibleBytes("pubkey", pubkeyStr, swarmid.AccountIDSize)
	if err != nil {
		return id, nil, nil, err
	}
	copy(id[:], raw)

	var accountEd ed25519.PublicKey
	if id.Prefix() == swarmid.PrefixSessionID {
		edBytes, err := validation.DecodeFlexibleBytes("session_ed25519", sessionEdStr, ed25519.PublicKeySize)
		if err != nil {
			return id, nil, nil, err
		}
		if err := swarmid.VerifyDerivesFrom(id, ed25519.PublicKey(edBytes)); err != nil {
			return id, nil, nil, validation.NewValidationError("session_ed25519", sessionEdStr, "does not derive pubkey", err)
		}
		accountEd = ed25519.PublicKey(edBytes)
	} else {
		// Non-Session accounts (closed groups, etc.) carry their own
		// Ed25519 verification key directly as the account id body.
		accountEd = ed25519.PublicKey(append([]byte(nil), id[1:]...))
	}

	sub, err := parseSubaccount(id, subaccount, subkeyTag, subkeySig)
	if err != nil {
		return id, nil, nil, err
	}
	return id, accountEd, sub, nil
}

func parseSubaccount(id swarmid.AccountID, sa *subaccountJSON, legacyTag, legacySig string) (*spnscrypto.Subaccount, error) {
	switch {
	case sa != nil:
		tagBytes, err := validation.DecodeFlexibleBytes("subaccount.tag", sa.Tag, spnscrypto.SubaccountTagSize)
		if err != nil {
			return nil, err
		}
		sigBytes, err := validation.DecodeFlexibleBytes("subaccount.sig", sa.Sig, spnscrypto.SubaccountSigSize)
		if err != nil {
			return nil, err
		}
		var out spnscrypto.Subaccount
		copy(out.Tag[:], tagBytes)
		copy(out.Sig[:], sigBytes)
		return &out, nil
	case legacyTag != "":
		// Legacy callers send a bare 32-byte delegated Ed25519 pubkey with
		// no explicit permission byte; read access and the account's own
		// network prefix are assumed.
		pubBytes, err := validation.DecodeFlexibleBytes("subkey_tag", legacyTag, ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}
		sigBytes, err := validation.DecodeFlexibleBytes("subkey_sig", legacySig, spnscrypto.SubaccountSigSize)
		if err != nil {
			return nil, err
		}
		var out spnscrypto.Subaccount
		out.Tag[0] = id.Prefix()
		out.Tag[1] = spnscrypto.PermissionRead
		copy(out.Tag[4:], pubBytes)
		copy(out.Sig[:], sigBytes)
		return &out, nil
	default:
		return nil, nil
	}
}

// handleSubscribe implements push.subscribe (spec.md §4.F.a).
func (h *HiveMind) handleSubscribe(ctx context.Context, parts [][]byte) ([][]byte, error) {
	if err := h.waitUntilReady(ctx); err != nil {
		return nil, err
	}
	if len(parts) < 1 {
		return errorReply(CodeBadInput, "missing request body"), nil
	}

	var req subscribeRequest
	if err := json.Unmarshal(parts[0], &req); err != nil {
		return errorReply(CodeBadInput, "malformed json"), nil
	}

	remote := remoteAddr(ctx)

	id, accountEd, sub, err := parseAccountFields(req.Pubkey, req.SessionEd25519, req.Subaccount, req.SubkeyTag, req.SubkeySig)
	if err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		return errorReply(CodeBadInput, err.Error()), nil
	}
	accountIDHex := hex.EncodeToString(id[:])
	if err := validation.ValidateNamespacesAscending(req.Namespaces); err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, "", remote, false, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}
	if err := validation.ValidateServiceName(req.Service); err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, "", remote, false, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}
	sigBytes, err := validation.DecodeFlexibleBytes("signature", req.Signature, 64)
	if err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		return errorReply(CodeBadInput, err.Error()), nil
	}
	var sig [64]byte
	copy(sig[:], sigBytes)

	encKey, err := validation.DecodeFlexibleBytes("enc_key", req.EncKey, 32)
	if err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		return errorReply(CodeBadInput, err.Error()), nil
	}

	subModel, err := subscription.New(id, accountEd, sub, req.Namespaces, req.Data, req.SigTS, sig, time.Now())
	if err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		return errorReply(CodeBadInput, err.Error()), nil
	}

	h.mu.Lock()
	conn, ok := h.services[req.Service]
	h.mu.Unlock()
	if !ok {
		h.metrics.SubscribeError.WithLabelValues("service_not_available").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, "", remote, false, false, "2", "service not registered") })
		return errorReply(CodeServiceNotAvailable, "service not registered"), nil
	}

	reply, err := transport.NotifierValidate(ctx, conn, req.Service, req.ServiceInfo)
	if err != nil {
		h.metrics.SubscribeError.WithLabelValues("service_timeout").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, "", remote, false, false, "3", err.Error()) })
		return errorReply(CodeServiceTimeout, err.Error()), nil
	}
	if reply.Code != CodeOK {
		h.metrics.SubscribeError.WithLabelValues("notifier_rejected").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, "", remote, false, false, "4", reply.Message) })
		return errorReply(CodeError, reply.Message), nil
	}

	svcid := reply.Message
	if err := validation.ValidateServiceID(svcid); err != nil {
		h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, svcid, remote, false, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}
	var svcData []byte
	if reply.HasData {
		if err := validation.ValidateServiceData(reply.SvcData); err != nil {
			h.metrics.SubscribeError.WithLabelValues("bad_input").Inc()
			h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, svcid, remote, false, false, "1", err.Error()) })
			return errorReply(CodeBadInput, err.Error()), nil
		}
		svcData = reply.SvcData
	}

	var sessionEd []byte
	if id.Prefix() == swarmid.PrefixSessionID {
		sessionEd = []byte(accountEd)
	}

	added, err := h.addSubscription(ctx, id, accountEd, sessionEd, req.Service, svcid, svcData, encKey, subModel)
	if err != nil {
		log.Errorw("add_subscription failed", "error", err)
		h.metrics.SubscribeError.WithLabelValues("internal_error").Inc()
		h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, svcid, remote, added, false, "5", err.Error()) })
		return errorReply(CodeInternalError, "internal error"), nil
	}

	h.metrics.SubscribeOK.Inc()
	h.logAudit(func(a *audit.Logger) { a.LogSubscribe(accountIDHex, req.Service, svcid, remote, added, true, "", "") })
	if added {
		return successReply("added", ""), nil
	}
	return successReply("updated", ""), nil
}

// addSubscription implements spec.md §4.F.b: persist the row, then update
// in-memory subscriber/swarm state and kick a forced resubscribe on every
// SN in the account's swarm if this was a brand new subscription.
func (h *HiveMind) addSubscription(ctx context.Context, id swarmid.AccountID, accountEd ed25519.PublicKey, sessionEd []byte, service, svcid string, svcData, encKey []byte, sub *subscription.Subscription) (bool, error) {
	row := store.Row{
		SessionEd: sessionEd,
		Service:   service,
		SvcID:     svcid,
		SvcData:   svcData,
		EncKey:    encKey,
		WantData:  sub.WantData,
		SigTS:     sub.SigTS,
		Signature: sub.Sig,
		Namespaces: sub.Namespaces,
	}
	copy(row.Account[:], id[:])
	if sub.Subaccount != nil {
		tag := sub.Subaccount.Tag
		sig := sub.Subaccount.Sig
		row.SubaccountTag = &tag
		row.SubaccountSig = &sig
	}

	inserted, err := h.store.UpsertSubscription(ctx, row)
	if err != nil {
		return false, err
	}

	_ = h.stats.Increment(ctx, "", "subscription|sub_renew", 1)
	_ = h.stats.Increment(ctx, service, "subscription|sub_renew", 1)

	h.mu.Lock()
	entry, exists := h.subscribers[id]
	if !exists {
		pk := swarmid.New(id, accountEd, sessionEd != nil)
		pk.UpdateSwarm(h.swarmIDs)
		entry = &subscriberEntry{pubkey: pk}
		h.subscribers[id] = entry
	} else {
		entry.pubkey.UpdateSwarm(h.swarmIDs)
	}

	var isNewTriple bool
	entry.subs, isNewTriple = mergeSubscription(entry.subs, sub)

	var swarmNodes []*snode.SNode
	if isNewTriple {
		if bucket, ok := h.swarms[entry.pubkey.Swarm]; ok {
			swarmNodes = make([]*snode.SNode, 0, len(bucket))
			for _, n := range bucket {
				swarmNodes = append(swarmNodes, n)
			}
		}
	}
	pk := entry.pubkey
	h.mu.Unlock()

	for _, n := range swarmNodes {
		n.AddAccount(pk, true)
	}

	return inserted, nil
}

// handleUnsubscribe implements push.unsubscribe (spec.md §4.F.c).
func (h *HiveMind) handleUnsubscribe(ctx context.Context, parts [][]byte) ([][]byte, error) {
	if err := h.waitUntilReady(ctx); err != nil {
		return nil, err
	}
	if len(parts) < 1 {
		return errorReply(CodeBadInput, "missing request body"), nil
	}

	var req unsubscribeRequest
	if err := json.Unmarshal(parts[0], &req); err != nil {
		return errorReply(CodeBadInput, "malformed json"), nil
	}

	remote := remoteAddr(ctx)

	id, accountEd, sub, err := parseAccountFields(req.Pubkey, req.SessionEd25519, req.Subaccount, req.SubkeyTag, req.SubkeySig)
	if err != nil {
		return errorReply(CodeBadInput, err.Error()), nil
	}
	accountIDHex := hex.EncodeToString(id[:])
	if err := validation.ValidateServiceName(req.Service); err != nil {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}
	sigBytes, err := validation.DecodeFlexibleBytes("signature", req.Signature, 64)
	if err != nil {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}

	now := time.Now()
	if d := now.Unix() - req.SigTS; d > int64(subscription.UnsubscribeSkew.Seconds()) || d < -int64(subscription.UnsubscribeSkew.Seconds()) {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "1", "sig_ts outside unsubscribe window") })
		return errorReply(CodeBadInput, "sig_ts outside unsubscribe window"), nil
	}
	if err := subscription.VerifyUnsubscribe(id, accountEd, sub, req.SigTS, sigBytes, now); err != nil {
		h.logAudit(func(a *audit.Logger) { a.LogSignatureVerifyFailed(accountIDHex, remote, err.Error()) })
		return errorReply(CodeBadInput, fmt.Sprintf("signature verification failed: %v", err)), nil
	}

	h.mu.Lock()
	conn, ok := h.services[req.Service]
	h.mu.Unlock()
	if !ok {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "2", "service not registered") })
		return errorReply(CodeServiceNotAvailable, "service not registered"), nil
	}

	reply, err := transport.NotifierValidate(ctx, conn, req.Service, req.ServiceInfo)
	if err != nil {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "3", err.Error()) })
		return errorReply(CodeServiceTimeout, err.Error()), nil
	}
	if reply.Code != CodeOK {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, "", remote, false, "4", reply.Message) })
		return errorReply(CodeError, reply.Message), nil
	}
	svcid := reply.Message
	if err := validation.ValidateServiceID(svcid); err != nil {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, svcid, remote, false, "1", err.Error()) })
		return errorReply(CodeBadInput, err.Error()), nil
	}

	removed, err := h.removeSubscription(ctx, id, req.Service, svcid)
	if err != nil {
		log.Errorw("remove_subscription failed", "error", err)
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, svcid, remote, false, "5", err.Error()) })
		return errorReply(CodeInternalError, "internal error"), nil
	}
	if !removed {
		h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, svcid, remote, false, "1", "no matching subscription") })
		return errorReply(CodeBadInput, "no matching subscription"), nil
	}
	h.logAudit(func(a *audit.Logger) { a.LogUnsubscribe(accountIDHex, req.Service, svcid, remote, true, "", "") })
	return successReply("", ""), nil
}

// removeSubscription implements spec.md §4.F.c: delete the row keyed by
// (account, service, service_id), the service_id having just been
// reconfirmed by the notifier's validation reply. In-memory subscriber
// state is deliberately left untouched, since another device may still
// share the account; the removed device simply stops matching the DB
// lookup a notification does, and the in-memory entry is not pruned here.
func (h *HiveMind) removeSubscription(ctx context.Context, id swarmid.AccountID, service, svcid string) (bool, error) {
	var account [33]byte
	copy(account[:], id[:])

	removed, err := h.store.DeleteSubscription(ctx, account, service, svcid)
	if err != nil {
		return false, err
	}
	return removed, nil
}
