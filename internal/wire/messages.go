package wire

import (
	"strconv"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
)

// SubscriptionDict builds one entry of the "monitor.messages" list
// (spec.md §4.E), with keys in strict ASCII-sorted order: P, S, T, d, n, p,
// s, t. sessionEd is the account's Ed25519 master key, present only when
// the subscriber is a 0x05 Session ID; when present it replaces the raw
// account id under key P and key p is omitted.
func SubscriptionDict(id swarmid.AccountID, sessionEd []byte, sub *subscription.Subscription) *Dict {
	d := NewDict()
	if len(sessionEd) > 0 {
		d.Set("P", sessionEd)
	} else {
		d.Set("p", id[:])
	}
	if sub.Subaccount != nil {
		d.Set("S", sub.Subaccount.Sig[:])
		d.Set("T", sub.Subaccount.Tag[:])
	}
	if sub.WantData {
		d.Set("d", int64(1))
	}
	d.Set("n", namespacesToList(sub.Namespaces))
	d.Set("s", sub.Sig[:])
	d.Set("t", sub.SigTS)
	return d
}

func namespacesToList(ns []int16) []interface{} {
	out := make([]interface{}, len(ns))
	for i, n := range ns {
		out[i] = int64(n)
	}
	return out
}

// EncodedSize returns the canonical bencoded byte length of v without
// retaining the buffer, used by the resubscribe drain loop to enforce
// SUBS_REQUEST_LIMIT (spec.md §4.E).
func EncodedSize(v interface{}) (int, error) {
	b, err := EncodeToBytes(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// IncomingNotification is the decoded form of the bencoded dict delivered
// over "notify.message" (spec.md §4.F.d item 1): @=account, h=storage
// hash, n=namespace, t/z=timestamps, ~=optional message body.
type IncomingNotification struct {
	Account       swarmid.AccountID
	Hash          []byte
	Namespace     int16
	Timestamp     int64
	ExpiryOrOther int64
	Body          []byte
	HasBody       bool
}

// DecodeIncomingNotification parses a "notify.message" dict.
func DecodeIncomingNotification(buf []byte) (*IncomingNotification, error) {
	v, err := DecodeBytes(buf)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, ErrMalformed
	}

	accountBytes, ok := d.GetBytes("@")
	if !ok || len(accountBytes) != swarmid.AccountIDSize {
		return nil, ErrMalformed
	}
	var account swarmid.AccountID
	copy(account[:], accountBytes)

	hash, ok := d.GetBytes("h")
	if !ok || len(hash) < 32 || len(hash) > 99 {
		return nil, ErrMalformed
	}

	ns, ok := d.GetInt("n")
	if !ok {
		return nil, ErrMalformed
	}

	ts, _ := d.GetInt("t")
	z, _ := d.GetInt("z")

	out := &IncomingNotification{
		Account:       account,
		Hash:          hash,
		Namespace:     int16(ns),
		Timestamp:     ts,
		ExpiryOrOther: z,
	}
	if body, ok := d.GetBytes("~"); ok {
		out.Body = body
		out.HasBody = true
	}
	return out, nil
}

// FingerprintKey returns the blake2b input the mutex-protected dedup
// filter hashes on: service || svcid || hash (spec.md §4.F.d item 3).
func FingerprintKey(service string, svcid string, hash []byte) []byte {
	buf := make([]byte, 0, len(service)+len(svcid)+len(hash))
	buf = append(buf, service...)
	buf = append(buf, svcid...)
	buf = append(buf, hash...)
	return buf
}

// Fingerprint computes the dedup fingerprint for one candidate delivery.
func Fingerprint(key []byte, service string, svcid string, hash []byte) (spnscrypto.Hash, error) {
	return spnscrypto.KeyedHash(key, []byte(service), []byte(svcid), hash)
}

// PushNotification is the dict sent to a notifier over "notifier.push"
// (spec.md §4.F.d item 5), keys in ASCII-sorted order: "" (service), !
// (svcdata, optional), # (hash), & (svcid), @ (account), ^ (enc_key), n
// (namespace), ~ (body, only if want_data and present and size fits).
type PushNotification struct {
	Service   string
	SvcData   []byte
	HasData   bool
	Hash      []byte
	SvcID     string
	Account   swarmid.AccountID
	EncKey    []byte
	Namespace int16
	Body      []byte
	HasBody   bool
}

// MaxPushBodySize is the largest message body forwarded in a push, per
// spec.md §4.F.d item 5.
const MaxPushBodySize = 76_800

// Encode builds the canonical bencoded dict for a PushNotification.
func (p *PushNotification) Encode() ([]byte, error) {
	d := NewDict()
	d.Set("", p.Service)
	if p.HasData {
		d.Set("!", p.SvcData)
	}
	d.Set("#", p.Hash)
	d.Set("&", p.SvcID)
	d.Set("@", p.Account[:])
	d.Set("^", p.EncKey)
	d.Set("n", int64(p.Namespace))
	if p.HasBody && len(p.Body) > 0 && len(p.Body) <= MaxPushBodySize {
		d.Set("~", p.Body)
	}
	return EncodeToBytes(d)
}

// MonitorMessagesList bencodes the full subscription list sent in a
// "monitor.messages" request.
func MonitorMessagesList(dicts []*Dict) ([]byte, error) {
	items := make([]interface{}, len(dicts))
	for i, d := range dicts {
		items[i] = d
	}
	return EncodeToBytes(items)
}

// FormatSigTS renders a signature timestamp the way the canonical MONITOR
// string does, for callers building diagnostic output.
func FormatSigTS(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
