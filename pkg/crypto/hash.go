// Package crypto provides the hashing primitives used by the ledger.
package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/zeebo/blake3"
)

// DigestKeySize is the length of the key used for content digests.
const DigestKeySize = 32

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// CredentialFromPubKey derives a key credential from a compressed public key.
// Credential = BLAKE3(compressed_pubkey)[:20].
func CredentialFromPubKey(pubKey []byte) types.Credential {
	h := Hash(pubKey)
	var c types.Credential
	copy(c[:], h[:types.CredentialSize])
	return c
}

// KeyedDigest returns a 64-bit keyed BLAKE3 digest of data. Digests are used
// as lookup keys for raw encodings; equal digests must still be confirmed by
// comparing the raw bytes.
func KeyedDigest(key []byte, data []byte) (uint64, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return 0, err
	}
	_, _ = h.Write(data)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8]), nil
}
