// Package spnscrypto implements the cryptographic primitives the HiveMind
// core needs: keyed Blake2b hashing, Ed25519 signature verification, and the
// storage-signature admission path used by swarm subscription requests.
package spnscrypto

import (
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the width of a keyed Blake2b digest used throughout SPNS.
const HashSize = 32

// Hash is a fixed-width Blake2b digest.
type Hash [HashSize]byte

// KeyedHash incrementally hashes an arbitrary mix of byte views under the
// given key, matching the SN wire contract's blake2b_keyed primitive.
// Callers build parts with DecimalASCII, Bytes, or any []byte value.
func KeyedHash(key []byte, parts ...[]byte) (Hash, error) {
	h, err := blake2b.New(HashSize, key)
	if err != nil {
		return Hash{}, err
	}
	for _, p := range parts {
		if _, err := h.Write(p); err != nil {
			return Hash{}, err
		}
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// DecimalASCII renders an integer as its decimal ASCII bytes, the encoding
// the keyed hash uses for numeric fields (e.g. timestamps, namespaces).
func DecimalASCII(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
