// Package derivation stores the per-wallet key derivation tree.
//
// Each node has a base row in the KeyDerivation table and a level record in
// the table of its level. Operations that know the level of a node lock only
// that level's table; operations that do not must lock all of them.
package derivation

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// Level is the depth of a node in the derivation tree.
type Level uint8

// Tree levels, root first.
const (
	LevelRoot Level = iota
	LevelPurpose
	LevelCoinType
	LevelAccount
	LevelChain
	LevelAddress
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelPurpose:
		return "purpose"
	case LevelCoinType:
		return "coin_type"
	case LevelAccount:
		return "account"
	case LevelChain:
		return "chain"
	case LevelAddress:
		return "address"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Table returns the table holding records of this level.
func (l Level) Table() storage.Table {
	switch l {
	case LevelRoot:
		return storage.TableRootLevel
	case LevelPurpose:
		return storage.TablePurposeLevel
	case LevelCoinType:
		return storage.TableCoinTypeLevel
	case LevelAccount:
		return storage.TableAccountLevel
	case LevelChain:
		return storage.TableChainLevel
	default:
		return storage.TableAddressLevel
	}
}

// Footprints of derivation operations.
var (
	// AllLevels covers lookups of nodes whose level is not known.
	AllLevels = storage.Tables(
		storage.TableKeyDerivation,
		storage.TableRootLevel,
		storage.TablePurposeLevel,
		storage.TableCoinTypeLevel,
		storage.TableAccountLevel,
		storage.TableChainLevel,
		storage.TableAddressLevel,
	)

	// Keys covers key material rows.
	Keys = storage.Tables(storage.TableKey)
)

// KnownLevel returns the footprint of an operation on nodes of one level.
func KnownLevel(levels ...Level) storage.TableSet {
	set := storage.Tables(storage.TableKeyDerivation)
	for _, l := range levels {
		set = set.Union(storage.Tables(l.Table()))
	}
	return set
}

// Record is the level-specific part of a node.
type Record interface {
	NodeLevel() Level
}

// RootRecord is the level record of a wallet root.
type RootRecord struct{}

// PurposeRecord is the level record of a purpose node.
type PurposeRecord struct{}

// CoinTypeRecord is the level record of a coin type node.
type CoinTypeRecord struct{}

// AccountRecord is the level record of an account node.
type AccountRecord struct {
	Name string `json:"name"`
}

// ChainRecord is the level record of a chain node.
type ChainRecord struct {
	// DisplayCutoff is the highest address index revealed to the user. It only
	// moves forward.
	DisplayCutoff uint32 `json:"display_cutoff"`
}

// AddressRecord is the level record of an address node.
type AddressRecord struct{}

func (RootRecord) NodeLevel() Level     { return LevelRoot }
func (PurposeRecord) NodeLevel() Level  { return LevelPurpose }
func (CoinTypeRecord) NodeLevel() Level { return LevelCoinType }
func (AccountRecord) NodeLevel() Level  { return LevelAccount }
func (ChainRecord) NodeLevel() Level    { return LevelChain }
func (AddressRecord) NodeLevel() Level  { return LevelAddress }

// decodeRecord decodes a level row into its record type.
func decodeRecord(l Level, raw []byte) (Record, error) {
	switch l {
	case LevelRoot:
		return RootRecord{}, nil
	case LevelPurpose:
		return PurposeRecord{}, nil
	case LevelCoinType:
		return CoinTypeRecord{}, nil
	case LevelAccount:
		var r AccountRecord
		err := storage.Decode(raw, &r)
		return r, err
	case LevelChain:
		var r ChainRecord
		err := storage.Decode(raw, &r)
		return r, err
	case LevelAddress:
		return AddressRecord{}, nil
	default:
		return nil, storage.Invariantf("unknown derivation level %d", l)
	}
}
