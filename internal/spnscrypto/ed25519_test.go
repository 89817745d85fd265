package spnscrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("MONITOR0123456789")
	sig := ed25519.Sign(priv, msg)

	if err := VerifySignature(msg, sig, pub); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xff
	if err := VerifySignature(tampered, sig, pub); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure for tampered message, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongSizes(t *testing.T) {
	if err := VerifySignature([]byte("x"), make([]byte, 63), make([]byte, 32)); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure for short signature, got %v", err)
	}
	if err := VerifySignature([]byte("x"), make([]byte, 64), make([]byte, 31)); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure for short pubkey, got %v", err)
	}
}

func TestEd25519PubKeyToX25519Deterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	a, err := Ed25519PubKeyToX25519(pub)
	if err != nil {
		t.Fatalf("Ed25519PubKeyToX25519: %v", err)
	}
	b, err := Ed25519PubKeyToX25519(pub)
	if err != nil {
		t.Fatalf("Ed25519PubKeyToX25519: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic conversion, got %x vs %x", a, b)
	}

	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := Ed25519PubKeyToX25519(pub2)
	if err != nil {
		t.Fatalf("Ed25519PubKeyToX25519: %v", err)
	}
	if a == c {
		t.Fatalf("expected different ed25519 keys to convert to different x25519 keys")
	}
}

func TestEd25519PubKeyToX25519RejectsWrongSize(t *testing.T) {
	if _, err := Ed25519PubKeyToX25519(make([]byte, 31)); err != ErrSignatureVerifyFailure {
		t.Fatalf("expected ErrSignatureVerifyFailure for short key, got %v", err)
	}
}
