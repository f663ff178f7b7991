package keys

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip32"
)

// Derivation path constants.
// Full path: m/1852'/CoinType'/account'/chain/index
const (
	// Hardened is the offset of hardened child indices.
	Hardened = bip32.FirstHardenedChild

	// PurposeLedger is the purpose field (hardened).
	PurposeLedger = Hardened + 1852

	// CoinTypeKlingnet is our registered (placeholder) coin type (hardened).
	CoinTypeKlingnet = Hardened + 8888

	// ChainExternal is for receiving addresses.
	ChainExternal = 0

	// ChainInternal is for change addresses.
	ChainInternal = 1

	// ChainStaking holds the staking key at index 0.
	ChainStaking = 2
)

// Deriver derives keys along a path of child indices.
type Deriver interface {
	Derive(path []uint32) (*HDKey, error)
}

// HDKey represents a hierarchical deterministic key (BIP-32).
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master HD key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// ParseExtendedKey decodes a serialized extended key and checks that its
// public point is on the curve.
func ParseExtendedKey(s string) (*HDKey, error) {
	k, err := bip32.B58Deserialize(s)
	if err != nil {
		return nil, fmt.Errorf("decode extended key: %w", err)
	}
	hd := &HDKey{key: k}
	if _, err := secp256k1.ParsePubKey(hd.PublicKeyBytes()); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return hd, nil
}

// DeriveChild derives a child key at the given index.
// For hardened derivation, add Hardened to the index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along a sequence of indices.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	current := k
	for _, idx := range indices {
		child, err := current.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// Derive implements Deriver.
func (k *HDKey) Derive(path []uint32) (*HDKey, error) {
	return k.DerivePath(path...)
}

// AccountPath returns the path from the master key to an account.
func AccountPath(account uint32) []uint32 {
	return []uint32{PurposeLedger, CoinTypeKlingnet, Hardened + account}
}

// PrivateKeyBytes returns the raw 32-byte private key.
// Returns nil if this is a public-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// Credential returns BLAKE3(compressed_pubkey)[:20].
func (k *HDKey) Credential() types.Credential {
	return crypto.CredentialFromPubKey(k.PublicKeyBytes())
}

// IsPrivate returns true if this key contains a private key.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-key-only copy (for watch-only wallets).
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

// String returns the base58 extended key serialization.
func (k *HDKey) String() string {
	return k.key.B58Serialize()
}
