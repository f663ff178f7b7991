package storage

import (
	"math/bits"
	"strings"
)

// Table identifies one logical table of the ledger store. The numeric value
// is the first byte of every key in the table and the lock acquisition order.
type Table uint8

// Ledger tables.
const (
	TableMeta Table = iota + 1
	TableWallet
	TableKey
	TableKeyDerivation
	TableRootLevel
	TablePurposeLevel
	TableCoinTypeLevel
	TableAccountLevel
	TableChainLevel
	TableAddressLevel
	TableAddress
	TableAddressMapping
	TableTransaction
	TableBlock
	TableUtxoInput
	TableUtxoOutput
	TableWatermark

	numTables = iota
)

var tableNames = [...]string{
	TableMeta:           "meta",
	TableWallet:         "wallet",
	TableKey:            "key",
	TableKeyDerivation:  "key_derivation",
	TableRootLevel:      "root_level",
	TablePurposeLevel:   "purpose_level",
	TableCoinTypeLevel:  "coin_type_level",
	TableAccountLevel:   "account_level",
	TableChainLevel:     "chain_level",
	TableAddressLevel:   "address_level",
	TableAddress:        "address",
	TableAddressMapping: "address_mapping",
	TableTransaction:    "transaction",
	TableBlock:          "block",
	TableUtxoInput:      "utxo_input",
	TableUtxoOutput:     "utxo_output",
	TableWatermark:      "watermark",
}

// String returns the table name.
func (t Table) String() string {
	if t == 0 || int(t) >= len(tableNames) {
		return "unknown"
	}
	return tableNames[t]
}

// TableSet is a set of tables. The zero value is empty.
type TableSet uint32

// Tables builds a set from the given tables.
func Tables(ts ...Table) TableSet {
	var s TableSet
	for _, t := range ts {
		s |= 1 << t
	}
	return s
}

// AllTables contains every ledger table.
var AllTables = func() TableSet {
	var s TableSet
	for t := Table(1); t <= numTables; t++ {
		s |= 1 << t
	}
	return s
}()

// Union returns the set of tables in s or any of others.
func (s TableSet) Union(others ...TableSet) TableSet {
	for _, o := range others {
		s |= o
	}
	return s
}

// Has reports whether t is in the set.
func (s TableSet) Has(t Table) bool {
	return s&(1<<t) != 0
}

// Missing returns the tables of need that are not in s.
func (s TableSet) Missing(need TableSet) TableSet {
	return need &^ s
}

// Empty reports whether the set has no tables.
func (s TableSet) Empty() bool {
	return s == 0
}

// Len returns the number of tables in the set.
func (s TableSet) Len() int {
	return bits.OnesCount32(uint32(s))
}

// List returns the tables in lock order.
func (s TableSet) List() []Table {
	out := make([]Table, 0, s.Len())
	for t := Table(1); t <= numTables; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// String returns a comma separated list of table names.
func (s TableSet) String() string {
	names := make([]string, 0, s.Len())
	for _, t := range s.List() {
		names = append(names, t.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
