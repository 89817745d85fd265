package spnscrypto

import (
	"crypto/ed25519"
	"errors"
	"math/big"
)

// ErrSignatureVerifyFailure is returned whenever a signature fails to
// verify, regardless of which key material was used to check it. The
// caller never learns more than "failed" — this mirrors the original
// implementation's single SignatureVerifyFailure exception type.
var ErrSignatureVerifyFailure = errors.New("signature verification failed")

// VerifySignature checks an Ed25519 signature over msg using pub.
func VerifySignature(msg, sig []byte, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrSignatureVerifyFailure
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrSignatureVerifyFailure
	}
	return nil
}

// field prime 2^255 - 19, shared by Ed25519 and X25519.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// Ed25519PubKeyToX25519 converts an Ed25519 public key (Edwards y-coordinate,
// little-endian with the sign bit in the top bit of the last byte) to its
// birationally equivalent X25519 (Montgomery u-coordinate) public key, the
// same conversion libsodium's crypto_sign_ed25519_pk_to_curve25519 performs.
// This is how a 0x05 (Session ID) AccountID's X25519 identity is recovered
// from the Ed25519 master key a subscriber presents at subscribe time.
func Ed25519PubKeyToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, ErrSignatureVerifyFailure
	}

	// Decode the little-endian y-coordinate, clearing the sign bit.
	buf := make([]byte, ed25519.PublicKeySize)
	copy(buf, pub)
	buf[31] &= 0x7f
	y := leBytesToBigInt(buf)

	if y.Cmp(fieldPrime) >= 0 {
		return out, ErrSignatureVerifyFailure
	}

	// u = (1 + y) / (1 - y) mod p
	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, fieldPrime)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, fieldPrime)
	if den.Sign() == 0 {
		return out, ErrSignatureVerifyFailure
	}
	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return out, ErrSignatureVerifyFailure
	}
	u := num.Mul(num, denInv)
	u.Mod(u, fieldPrime)

	bigIntToLEBytes(u, out[:])
	return out, nil
}

func leBytesToBigInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLEBytes(n *big.Int, out []byte) {
	be := n.FillBytes(make([]byte, len(out)))
	for i, v := range be {
		out[len(out)-1-i] = v
	}
}
