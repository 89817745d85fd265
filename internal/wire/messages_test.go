package wire

import (
	"bytes"
	"testing"

	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
)

func TestSubscriptionDictRawAccount(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID
	sub := subscription.NewUnvalidated(nil, []int16{0, 5}, true, 1_700_000_000, [64]byte{1, 2, 3})

	d := SubscriptionDict(id, nil, sub)

	if _, ok := d.Get("P"); ok {
		t.Fatalf("expected no P key without a session ed25519 key")
	}
	if v, ok := d.GetBytes("p"); !ok || !bytes.Equal(v, id[:]) {
		t.Fatalf("expected p to carry the raw account id")
	}
	if v, ok := d.GetInt("d"); !ok || v != 1 {
		t.Fatalf("expected d=1 for want_data")
	}
	ns, ok := d.GetList("n")
	if !ok || len(ns) != 2 {
		t.Fatalf("expected 2 namespaces, got %v", ns)
	}
}

func TestSubscriptionDictSessionEd(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID
	sessionEd := bytes.Repeat([]byte{0x22}, 32)
	sub := subscription.NewUnvalidated(nil, []int16{0}, false, 1_700_000_000, [64]byte{})

	d := SubscriptionDict(id, sessionEd, sub)

	if _, ok := d.Get("p"); ok {
		t.Fatalf("expected no p key when session ed25519 is present")
	}
	v, ok := d.GetBytes("P")
	if !ok || !bytes.Equal(v, sessionEd) {
		t.Fatalf("expected P to carry the session ed25519 key")
	}
	if _, ok := d.Get("d"); ok {
		t.Fatalf("expected no d key when want_data is false")
	}
}

func TestMonitorMessagesListRoundTrip(t *testing.T) {
	var id swarmid.AccountID
	id[0] = swarmid.PrefixSessionID
	sub := subscription.NewUnvalidated(nil, []int16{1, 2, 3}, true, 42, [64]byte{9})
	d := SubscriptionDict(id, nil, sub)

	b, err := MonitorMessagesList([]*Dict{d})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBytes(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	items, ok := decoded.([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1-item list, got %v", decoded)
	}
	if _, ok := items[0].(*Dict); !ok {
		t.Fatalf("expected list item to decode as *Dict")
	}
}

func TestDecodeIncomingNotification(t *testing.T) {
	var account swarmid.AccountID
	account[0] = swarmid.PrefixSessionID

	d := NewDict()
	d.Set("@", account[:])
	d.Set("h", bytes.Repeat([]byte{0xaa}, 32))
	d.Set("n", int64(3))
	d.Set("t", int64(1_700_000_000))
	d.Set("z", int64(1_700_100_000))
	d.Set("~", []byte("body"))

	b, err := EncodeToBytes(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	notif, err := DecodeIncomingNotification(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notif.Account != account {
		t.Fatalf("account mismatch")
	}
	if notif.Namespace != 3 {
		t.Fatalf("expected namespace 3, got %d", notif.Namespace)
	}
	if !notif.HasBody || string(notif.Body) != "body" {
		t.Fatalf("expected body to decode")
	}
}

func TestDecodeIncomingNotificationRejectsShortHash(t *testing.T) {
	var account swarmid.AccountID
	account[0] = swarmid.PrefixSessionID

	d := NewDict()
	d.Set("@", account[:])
	d.Set("h", []byte{0x01, 0x02})
	d.Set("n", int64(0))

	b, err := EncodeToBytes(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeIncomingNotification(b); err == nil {
		t.Fatalf("expected error for undersized hash")
	}
}
