// Package swarmid implements the account identity and swarm-membership
// model described in spec.md §3–§4.B: fixed-width account ids, the
// swarm-space coordinate derived from them, and nearest-swarm selection
// against the network's current swarm-id list.
package swarmid

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
)

// AccountIDSize is the fixed width of an AccountID.
const AccountIDSize = 33

// Network-prefix tags carried in AccountID byte 0.
const (
	PrefixSessionID   byte = 0x05
	PrefixClosedGroup byte = 0x03
)

// ErrAccountMismatch is returned when a supplied Ed25519 master key does
// not derive the AccountID it was presented alongside.
var ErrAccountMismatch = errors.New("ed25519 key does not derive the given account id")

// AccountID is a 33-byte opaque account identifier; byte 0 is the
// network-prefix tag. AccountID is comparable and usable directly as a map
// key.
type AccountID [AccountIDSize]byte

// Prefix returns the network-prefix tag (byte 0).
func (a AccountID) Prefix() byte { return a[0] }

// AccountIDFromEd25519 derives the X25519-based 0x05 (Session ID) AccountID
// from a subscriber-supplied Ed25519 master key, per spec.md §3: "the
// X25519 account is derived from an Ed25519 master key".
func AccountIDFromEd25519(ed ed25519.PublicKey) (AccountID, error) {
	x, err := spnscrypto.Ed25519PubKeyToX25519(ed)
	if err != nil {
		return AccountID{}, err
	}
	var id AccountID
	id[0] = PrefixSessionID
	copy(id[1:], x[:])
	return id, nil
}

// VerifyDerivesFrom checks that ed25519 master key "ed" derives exactly the
// given AccountID. This is required whenever a 0x05-prefixed subscription
// presents a session_ed25519 master key: the server must verify the
// conversion before trusting the Ed25519 key for signature checks.
func VerifyDerivesFrom(id AccountID, ed ed25519.PublicKey) error {
	derived, err := AccountIDFromEd25519(ed)
	if err != nil {
		return err
	}
	if derived != id {
		return ErrAccountMismatch
	}
	return nil
}

// SwarmSpace computes the XOR of the four big-endian u64 words starting at
// byte 1 of the account id (spec.md §3).
func SwarmSpace(id AccountID) uint64 {
	var space uint64
	for w := 0; w < 4; w++ {
		space ^= binary.BigEndian.Uint64(id[1+w*8 : 1+w*8+8])
	}
	return space
}
