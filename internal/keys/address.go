package keys

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// AddressSet holds the encodings owned for one derivation index.
type AddressSet struct {
	Index uint32

	// Canonical is the form every alias of this index resolves to.
	Canonical types.Address

	// Aliases are the other encodings registered for the index at creation.
	Aliases []types.Address
}

// All returns the canonical address followed by its aliases.
func (s AddressSet) All() []types.Address {
	return append([]types.Address{s.Canonical}, s.Aliases...)
}

// AccountKeys derives addresses from an account-level public key.
type AccountKeys struct {
	account *HDKey
	stake   types.Credential
}

// NewAccountKeys prepares address derivation for an account key. Only public
// derivation is used, so a neutered key is enough.
func NewAccountKeys(account *HDKey) (*AccountKeys, error) {
	stakeKey, err := account.DerivePath(ChainStaking, 0)
	if err != nil {
		return nil, fmt.Errorf("derive staking key: %w", err)
	}
	return &AccountKeys{account: account, stake: stakeKey.Credential()}, nil
}

// RewardAddress returns the account's staking reward address.
func (a *AccountKeys) RewardAddress() types.Address {
	return types.NewRewardAddress(a.stake)
}

// Address derives the address set at chain/index.
func (a *AccountKeys) Address(chain, index uint32) (AddressSet, error) {
	if chain == ChainStaking {
		if index != 0 {
			return AddressSet{}, fmt.Errorf("staking chain has a single key, got index %d", index)
		}
		return AddressSet{Index: 0, Canonical: a.RewardAddress()}, nil
	}

	key, err := a.account.DerivePath(chain, index)
	if err != nil {
		return AddressSet{}, err
	}
	spend := key.Credential()
	return AddressSet{
		Index:     index,
		Canonical: types.NewSingleAddress(spend),
		Aliases:   []types.Address{types.NewGroupedAddress(spend, a.stake)},
	}, nil
}

// Generate derives address sets for the given indices on one chain.
func (a *AccountKeys) Generate(chain uint32, indices []uint32) ([]AddressSet, error) {
	out := make([]AddressSet, 0, len(indices))
	for _, idx := range indices {
		set, err := a.Address(chain, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, nil
}
