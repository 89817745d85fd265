package hivemind

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
)

func sessionAccount(t *testing.T) (swarmid.AccountID, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := swarmid.AccountIDFromEd25519(pub)
	if err != nil {
		t.Fatalf("derive account id: %v", err)
	}
	return id, pub, priv
}

func TestParseAccountFieldsSessionID(t *testing.T) {
	id, pub, _ := sessionAccount(t)

	got, accountEd, sub, err := parseAccountFields(
		hex.EncodeToString(id[:]), hex.EncodeToString(pub), nil, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("account id mismatch: got %x want %x", got, id)
	}
	if !ed25519.PublicKey(accountEd).Equal(pub) {
		t.Fatalf("account ed25519 key mismatch")
	}
	if sub != nil {
		t.Fatalf("expected no subaccount")
	}
}

func TestParseAccountFieldsSessionIDMismatchedKey(t *testing.T) {
	id, _, _ := sessionAccount(t)
	_, otherPub, _ := sessionAccount(t)

	_, _, _, err := parseAccountFields(hex.EncodeToString(id[:]), hex.EncodeToString(otherPub), nil, "", "")
	if err == nil {
		t.Fatal("expected an error when session_ed25519 does not derive pubkey")
	}
}

func TestParseAccountFieldsNonSessionAccount(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixClosedGroup
	for i := 1; i < len(id); i++ {
		id[i] = byte(i)
	}

	got, accountEd, _, err := parseAccountFields(hex.EncodeToString(id[:]), "", nil, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("account id mismatch")
	}
	if len(accountEd) != ed25519.PublicKeySize {
		t.Fatalf("expected a 32-byte ed25519 key, got %d bytes", len(accountEd))
	}
}

func TestParseSubaccountLegacyTag(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID

	delegated, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig := make([]byte, spnscrypto.SubaccountSigSize)

	sub, err := parseSubaccount(id, nil, hex.EncodeToString(delegated), hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected a subaccount")
	}
	if !sub.HasRead() {
		t.Fatal("expected legacy subaccount to carry the read permission")
	}
	if sub.Tag[0] != id.Prefix() {
		t.Fatalf("expected legacy subaccount tag prefix to match account prefix")
	}
	if !ed25519.PublicKey(sub.DelegatedPubKey()).Equal(delegated) {
		t.Fatal("delegated pubkey mismatch")
	}
}

func TestParseSubaccountNestedObject(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID

	tag := make([]byte, spnscrypto.SubaccountTagSize)
	sig := make([]byte, spnscrypto.SubaccountSigSize)
	sa := &subaccountJSON{Tag: hex.EncodeToString(tag), Sig: hex.EncodeToString(sig)}

	sub, err := parseSubaccount(id, sa, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected a subaccount")
	}
}

func TestParseSubaccountAbsent(t *testing.T) {
	var id swarmid.AccountID
	sub, err := parseSubaccount(id, nil, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != nil {
		t.Fatal("expected no subaccount")
	}
}

func TestSuccessReplyShape(t *testing.T) {
	b := successReply("added", "")
	var m map[string]interface{}
	if err := json.Unmarshal(b[0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["success"] != true || m["added"] != true {
		t.Fatalf("unexpected reply shape: %v", m)
	}
	if _, ok := m["message"]; ok {
		t.Fatalf("expected no message key when message is empty: %v", m)
	}
}

func TestErrorReplyShape(t *testing.T) {
	b := errorReply(CodeServiceNotAvailable, "service not registered")
	var m map[string]interface{}
	if err := json.Unmarshal(b[0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(m["error"].(float64)) != CodeServiceNotAvailable {
		t.Fatalf("expected error code %d, got %v", CodeServiceNotAvailable, m["error"])
	}
	if m["message"] != "service not registered" {
		t.Fatalf("unexpected message: %v", m)
	}
}

func TestSeenAndMarkDedupsWithinLifetime(t *testing.T) {
	h := New(nil, nil, WithConfig(Config{FilterLifetime: time.Hour}))
	fp := spnscrypto.Hash{1, 2, 3}

	if h.seenAndMark(fp) {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !h.seenAndMark(fp) {
		t.Fatal("second sighting should be a duplicate")
	}
}

func TestSeenAndMarkRotatesAfterLifetime(t *testing.T) {
	h := New(nil, nil, WithConfig(Config{FilterLifetime: time.Millisecond}))
	fp := spnscrypto.Hash{4, 5, 6}

	if h.seenAndMark(fp) {
		t.Fatal("first sighting should not be a duplicate")
	}

	time.Sleep(5 * time.Millisecond)

	// Still within the aging set immediately after rotation: one more
	// rotation is needed before this fingerprint is forgotten.
	if !h.seenAndMark(fp) {
		t.Fatal("fingerprint should still be visible in the aging set right after one rotation")
	}
}

func TestDefaultConfigCadences(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FastCheckInterval >= cfg.SlowCheckInterval {
		t.Fatalf("fast check interval (%v) should be shorter than slow check interval (%v)", cfg.FastCheckInterval, cfg.SlowCheckInterval)
	}
	if cfg.NotifierWait <= 0 {
		t.Fatal("notifier wait must be positive")
	}
}
