package spnscrypto

import "crypto/ed25519"

// SubaccountTagSize and SubaccountSigSize are the fixed widths of the two
// fields that make up a delegated subaccount credential (spec.md §3).
const (
	SubaccountTagSize = 36
	SubaccountSigSize = 64
)

// Permission bits within Subaccount.Tag[1].
const (
	PermissionRead      = 1 << 0
	PermissionAnyPrefix = 1 << 3
)

// Subaccount is a delegated credential: tag[0] is a network prefix, tag[1]
// a permission bit-field, tag[4:36] the delegated Ed25519 public key. Sig is
// the main account's signature over Tag, authorizing the delegation.
type Subaccount struct {
	Tag [SubaccountTagSize]byte
	Sig [SubaccountSigSize]byte
}

// HasRead reports whether the read permission bit is set. Read is required
// for any monitor subscription; a subaccount lacking it can never pass
// VerifyStorageSignature.
func (s *Subaccount) HasRead() bool {
	return s.Tag[1]&PermissionRead != 0
}

// AnyPrefix reports whether the subaccount is authorized for any network
// prefix, bypassing the tag[0] == account-prefix check.
func (s *Subaccount) AnyPrefix() bool {
	return s.Tag[1]&PermissionAnyPrefix != 0
}

// DelegatedPubKey returns the Ed25519 public key embedded in the tag.
func (s *Subaccount) DelegatedPubKey() ed25519.PublicKey {
	return ed25519.PublicKey(s.Tag[4:36])
}

// VerifyStorageSignature implements the MONITOR/UNSUBSCRIBE admission path
// (spec.md §4.A). With no subaccount, msg must be signed directly by the
// account's own Ed25519 key. With a subaccount, the subaccount must carry
// the read permission, must either be marked any-prefix or match the
// account's network-prefix byte, must itself be signed by the account's
// Ed25519 key, and the delegated key it carries must sign msg.
func VerifyStorageSignature(msg, sig []byte, accountPrefix byte, accountEd25519 ed25519.PublicKey, sub *Subaccount) error {
	if sub == nil {
		return VerifySignature(msg, sig, accountEd25519)
	}

	if !sub.HasRead() {
		return ErrSignatureVerifyFailure
	}
	if !sub.AnyPrefix() && sub.Tag[0] != accountPrefix {
		return ErrSignatureVerifyFailure
	}
	if err := VerifySignature(sub.Tag[:], sub.Sig[:], accountEd25519); err != nil {
		return err
	}
	return VerifySignature(msg, sig, sub.DelegatedPubKey())
}
