// Package subscription implements the per-account signed monitor spec
// (spec.md §3–§4.C): construction with signature verification, comparison,
// expiry, and the coverage relation used to decide whether one subscription
// already satisfies another.
package subscription

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
)

// Expiry is the maximum age of a signature timestamp before a subscription
// is considered expired (spec.md §3, §4.C).
const Expiry = 14 * 24 * time.Hour

// FutureSkew is how far into the future a MONITOR signature timestamp may
// be dated and still be accepted.
const FutureSkew = 24 * time.Hour

// UnsubscribeSkew bounds an UNSUBSCRIBE signature's distance from "now" in
// either direction.
const UnsubscribeSkew = 24 * time.Hour

var (
	// ErrEmptyNamespaces is returned when a subscription names no namespaces.
	ErrEmptyNamespaces = errors.New("subscription: namespaces must be non-empty")
	// ErrNamespacesNotSorted is returned when namespaces are not strictly
	// ascending.
	ErrNamespacesNotSorted = errors.New("subscription: namespaces must be strictly ascending")
	// ErrSignatureTooOld is returned when sig_ts predates the expiry window.
	ErrSignatureTooOld = errors.New("subscription: signature timestamp too old")
	// ErrSignatureTooNew is returned when sig_ts is too far in the future.
	ErrSignatureTooNew = errors.New("subscription: signature timestamp too far in the future")
)

// Subscription is a validated, signed monitor spec for one account.
type Subscription struct {
	Subaccount *spnscrypto.Subaccount
	Namespaces []int16
	WantData   bool
	SigTS      int64
	Sig        [64]byte
}

// New validates and constructs a Subscription. now is the reference wall
// clock time against which sig_ts's window is checked. accountEd25519 is
// the account's (or, with a subaccount, the delegating account's) Ed25519
// public key.
func New(id swarmid.AccountID, accountEd25519 ed25519.PublicKey, sub *spnscrypto.Subaccount, namespaces []int16, wantData bool, sigTS int64, sig [64]byte, now time.Time) (*Subscription, error) {
	if err := validateNamespaces(namespaces); err != nil {
		return nil, err
	}
	if err := checkMonitorWindow(sigTS, now); err != nil {
		return nil, err
	}

	msg := monitorMessage(id, sigTS, wantData, namespaces)
	if err := spnscrypto.VerifyStorageSignature(msg, sig[:], id.Prefix(), accountEd25519, sub); err != nil {
		return nil, err
	}

	return &Subscription{
		Subaccount: sub,
		Namespaces: append([]int16(nil), namespaces...),
		WantData:   wantData,
		SigTS:      sigTS,
		Sig:        sig,
	}, nil
}

// NewUnvalidated constructs a Subscription without running signature
// verification, for reloading rows already accepted and stored by the
// database (spec.md §4.F startup step 2: "construct SwarmPubkey with
// validation skipped").
func NewUnvalidated(sub *spnscrypto.Subaccount, namespaces []int16, wantData bool, sigTS int64, sig [64]byte) *Subscription {
	return &Subscription{
		Subaccount: sub,
		Namespaces: append([]int16(nil), namespaces...),
		WantData:   wantData,
		SigTS:      sigTS,
		Sig:        sig,
	}
}

func validateNamespaces(ns []int16) error {
	if len(ns) == 0 {
		return ErrEmptyNamespaces
	}
	for i := 1; i < len(ns); i++ {
		if ns[i] <= ns[i-1] {
			return ErrNamespacesNotSorted
		}
	}
	return nil
}

func checkMonitorWindow(sigTS int64, now time.Time) error {
	oldest := now.Add(-Expiry).Unix()
	newest := now.Add(FutureSkew).Unix()
	if sigTS < oldest {
		return ErrSignatureTooOld
	}
	if sigTS > newest {
		return ErrSignatureTooNew
	}
	return nil
}

// monitorMessage builds the canonical MONITOR signing string:
// "MONITOR" || hex(account) || sig_ts || ('1'|'0') || ns0 "," ... "," ns_{n-1}
func monitorMessage(id swarmid.AccountID, sigTS int64, wantData bool, namespaces []int16) []byte {
	var b strings.Builder
	b.WriteString("MONITOR")
	b.WriteString(hex.EncodeToString(id[:]))
	b.WriteString(strconv.FormatInt(sigTS, 10))
	if wantData {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	for i, ns := range namespaces {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(int64(ns), 10))
	}
	return []byte(b.String())
}

// UnsubscribeMessage builds the canonical UNSUBSCRIBE signing string:
// "UNSUBSCRIBE" || hex(account) || sig_ts
func UnsubscribeMessage(id swarmid.AccountID, sigTS int64) []byte {
	return []byte(fmt.Sprintf("UNSUBSCRIBE%s%d", hex.EncodeToString(id[:]), sigTS))
}

// VerifyUnsubscribe checks an UNSUBSCRIBE signature and its timestamp
// window (spec.md §4.F "remove_subscription").
func VerifyUnsubscribe(id swarmid.AccountID, accountEd25519 ed25519.PublicKey, sub *spnscrypto.Subaccount, sigTS int64, sig []byte, now time.Time) error {
	if d := now.Unix() - sigTS; d > int64(UnsubscribeSkew.Seconds()) || d < -int64(UnsubscribeSkew.Seconds()) {
		return ErrSignatureTooOld
	}
	msg := UnsubscribeMessage(id, sigTS)
	return spnscrypto.VerifyStorageSignature(msg, sig, id.Prefix(), accountEd25519, sub)
}

// IsSame reports whether two subscriptions are the same logical triple:
// (subaccount, namespaces, want_data).
func (s *Subscription) IsSame(o *Subscription) bool {
	if !subaccountEqual(s.Subaccount, o.Subaccount) {
		return false
	}
	if s.WantData != o.WantData {
		return false
	}
	return namespacesEqual(s.Namespaces, o.Namespaces)
}

// Covers reports whether s covers o: equal subaccount, s.WantData implies
// o.WantData, and s.Namespaces is a superset of o.Namespaces. A
// subscription always covers itself.
func (s *Subscription) Covers(o *Subscription) bool {
	if !subaccountEqual(s.Subaccount, o.Subaccount) {
		return false
	}
	if o.WantData && !s.WantData {
		return false
	}
	return namespacesSuperset(s.Namespaces, o.Namespaces)
}

// IsExpired reports whether the subscription's signature predates the
// 14-day expiry window relative to now.
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.SigTS < now.Add(-Expiry).Unix()
}

// IsNewer reports whether s's signature timestamp is strictly newer than o's.
func (s *Subscription) IsNewer(o *Subscription) bool {
	return s.SigTS > o.SigTS
}

func subaccountEqual(a, b *spnscrypto.Subaccount) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Tag == b.Tag
}

func namespacesEqual(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// namespacesSuperset reports whether a (sorted ascending) contains every
// element of b (sorted ascending), via a two-pointer walk.
func namespacesSuperset(a, b []int16) bool {
	i := 0
	for _, want := range b {
		for i < len(a) && a[i] < want {
			i++
		}
		if i >= len(a) || a[i] != want {
			return false
		}
		i++
	}
	return true
}
