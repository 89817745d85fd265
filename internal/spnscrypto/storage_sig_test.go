package spnscrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestVerifyStorageSignatureNoSubaccount(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	msg := []byte("MONITOR...")
	sig := ed25519.Sign(priv, msg)

	if err := VerifyStorageSignature(msg, sig, 0x05, pub, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func buildSubaccount(t *testing.T, accountPriv ed25519.PrivateKey, prefix byte, anyPrefix bool, read bool) (*Subaccount, ed25519.PrivateKey) {
	t.Helper()
	delegatedPub, delegatedPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var perm byte
	if read {
		perm |= PermissionRead
	}
	if anyPrefix {
		perm |= PermissionAnyPrefix
	}

	var sub Subaccount
	sub.Tag[0] = prefix
	sub.Tag[1] = perm
	copy(sub.Tag[4:36], delegatedPub)
	copy(sub.Sig[:], ed25519.Sign(accountPriv, sub.Tag[:]))

	return &sub, delegatedPriv
}

func TestVerifyStorageSignatureWithSubaccount(t *testing.T) {
	accountPub, accountPriv, _ := ed25519.GenerateKey(rand.Reader)
	sub, delegatedPriv := buildSubaccount(t, accountPriv, 0x05, false, true)

	msg := []byte("UNSUBSCRIBE...")
	sig := ed25519.Sign(delegatedPriv, msg)

	if err := VerifyStorageSignature(msg, sig, 0x05, accountPub, sub); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerifyStorageSignatureRejectsMissingRead(t *testing.T) {
	accountPub, accountPriv, _ := ed25519.GenerateKey(rand.Reader)
	sub, delegatedPriv := buildSubaccount(t, accountPriv, 0x05, false, false)

	msg := []byte("UNSUBSCRIBE...")
	sig := ed25519.Sign(delegatedPriv, msg)

	if err := VerifyStorageSignature(msg, sig, 0x05, accountPub, sub); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure, got %v", err)
	}
}

func TestVerifyStorageSignatureRejectsPrefixMismatch(t *testing.T) {
	accountPub, accountPriv, _ := ed25519.GenerateKey(rand.Reader)
	sub, delegatedPriv := buildSubaccount(t, accountPriv, 0x03, false, true)

	msg := []byte("UNSUBSCRIBE...")
	sig := ed25519.Sign(delegatedPriv, msg)

	if err := VerifyStorageSignature(msg, sig, 0x05, accountPub, sub); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure for prefix mismatch, got %v", err)
	}
}

func TestVerifyStorageSignatureAnyPrefixBypassesMismatch(t *testing.T) {
	accountPub, accountPriv, _ := ed25519.GenerateKey(rand.Reader)
	sub, delegatedPriv := buildSubaccount(t, accountPriv, 0x03, true, true)

	msg := []byte("UNSUBSCRIBE...")
	sig := ed25519.Sign(delegatedPriv, msg)

	if err := VerifyStorageSignature(msg, sig, 0x05, accountPub, sub); err != nil {
		t.Fatalf("expected success with any-prefix bit set, got %v", err)
	}
}
