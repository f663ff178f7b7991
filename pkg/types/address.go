package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// CredentialSize is the length of a key credential (public key hash) in bytes.
const CredentialSize = 20

// Address HRP (human-readable part) constants for bech32 encoding.
const (
	MainnetHRP = "kgx"
	TestnetHRP = "tkgx"
)

// activeHRP is the address HRP used by String() and MarshalJSON().
// Set once at startup via SetAddressHRP(). Default is mainnet.
var activeHRP = MainnetHRP

// SetAddressHRP sets the active address HRP (call once at startup).
func SetAddressHRP(hrp string) {
	activeHRP = hrp
}

// GetAddressHRP returns the currently active address HRP.
func GetAddressHRP() string {
	return activeHRP
}

// ErrUnknownAddress is returned for encodings that do not carry a known header.
var ErrUnknownAddress = errors.New("unknown address encoding")

// AddressKind is the header byte of an encoded address.
type AddressKind uint8

const (
	// KindUnknown marks raw encodings that could not be parsed. They can still
	// be stored as foreign addresses.
	KindUnknown AddressKind = 0xff

	// KindGrouped carries a spending credential and a staking credential.
	KindGrouped AddressKind = 0x00

	// KindSingle carries only a spending credential.
	KindSingle AddressKind = 0x60

	// KindReward carries only a staking credential.
	KindReward AddressKind = 0xe0
)

// String returns a short name for the kind.
func (k AddressKind) String() string {
	switch k {
	case KindGrouped:
		return "grouped"
	case KindSingle:
		return "single"
	case KindReward:
		return "reward"
	default:
		return "unknown"
	}
}

// Credential is the hash of a public key.
type Credential [CredentialSize]byte

// IsZero returns true if the credential is all zeros.
func (c Credential) IsZero() bool {
	return c == Credential{}
}

// Address is a decoded wallet address.
//
// Wire layout: header(1) | spend(20) | stake(20) for grouped addresses,
// header(1) | spend(20) for single and header(1) | stake(20) for reward
// addresses.
type Address struct {
	Kind  AddressKind
	Spend Credential
	Stake Credential
}

// NewSingleAddress builds a single-key address.
func NewSingleAddress(spend Credential) Address {
	return Address{Kind: KindSingle, Spend: spend}
}

// NewGroupedAddress builds an address holding a spending and a staking credential.
func NewGroupedAddress(spend, stake Credential) Address {
	return Address{Kind: KindGrouped, Spend: spend, Stake: stake}
}

// NewRewardAddress builds a staking reward address.
func NewRewardAddress(stake Credential) Address {
	return Address{Kind: KindReward, Stake: stake}
}

// Bytes returns the wire encoding of the address.
func (a Address) Bytes() []byte {
	switch a.Kind {
	case KindGrouped:
		b := make([]byte, 0, 1+2*CredentialSize)
		b = append(b, byte(a.Kind))
		b = append(b, a.Spend[:]...)
		return append(b, a.Stake[:]...)
	case KindSingle:
		return append([]byte{byte(a.Kind)}, a.Spend[:]...)
	case KindReward:
		return append([]byte{byte(a.Kind)}, a.Stake[:]...)
	default:
		return nil
	}
}

// Hex returns the hex wire encoding. This is the raw form stored by the ledger.
func (a Address) Hex() string {
	return hex.EncodeToString(a.Bytes())
}

// String returns the bech32-encoded address (e.g. "kgx1...").
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.Bytes(), 8, 5, true)
	if err != nil {
		return a.Hex()
	}
	s, err := bech32.Encode(activeHRP, conv)
	if err != nil {
		// Fallback to hex if encoding fails (should never happen).
		return a.Hex()
	}
	return s
}

// Canonical returns the single-key form of a grouped address. Other kinds
// have no canonical form and report false.
func (a Address) Canonical() (Address, bool) {
	if a.Kind != KindGrouped {
		return Address{}, false
	}
	return NewSingleAddress(a.Spend), true
}

// MarshalJSON encodes the address as a bech32 string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a bech32 or hex string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a bech32 or hex address string.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if raw, err := hex.DecodeString(s); err == nil {
		return AddressFromBytes(raw)
	}

	_, data, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 address: %w", err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 payload: %w", err)
	}
	return AddressFromBytes(raw)
}

// AddressFromBytes decodes the wire encoding of an address.
func AddressFromBytes(raw []byte) (Address, error) {
	if len(raw) == 0 {
		return Address{}, ErrUnknownAddress
	}
	var a Address
	a.Kind = AddressKind(raw[0])
	body := raw[1:]
	switch a.Kind {
	case KindGrouped:
		if len(body) != 2*CredentialSize {
			return Address{}, fmt.Errorf("grouped address must be %d bytes, got %d", 1+2*CredentialSize, len(raw))
		}
		copy(a.Spend[:], body[:CredentialSize])
		copy(a.Stake[:], body[CredentialSize:])
	case KindSingle:
		if len(body) != CredentialSize {
			return Address{}, fmt.Errorf("single address must be %d bytes, got %d", 1+CredentialSize, len(raw))
		}
		copy(a.Spend[:], body)
	case KindReward:
		if len(body) != CredentialSize {
			return Address{}, fmt.Errorf("reward address must be %d bytes, got %d", 1+CredentialSize, len(raw))
		}
		copy(a.Stake[:], body)
	default:
		return Address{}, fmt.Errorf("%w: header 0x%02x", ErrUnknownAddress, raw[0])
	}
	return a, nil
}
