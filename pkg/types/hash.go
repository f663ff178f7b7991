// Package types defines the primitive values the ledger stores and exchanges
// with the chain backend: key credentials and addresses.
package types

import "encoding/hex"

// HashSize is the length of a hash in bytes.
const HashSize = 32

// Hash is a 256-bit digest. Credentials are its leading bytes.
type Hash [HashSize]byte

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
