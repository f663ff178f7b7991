package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/derivation"
	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/scan"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/lightningnetwork/lnd/clock"
)

// Capability errors.
var (
	ErrWatchOnly     = errors.New("wallet has no private key")
	ErrOffline       = errors.New("no backend configured")
	ErrEmptyPassword = errors.New("password must not be empty")
)

// PublicDeriver derives the account's addresses from its public key.
type PublicDeriver interface {
	Address(chain, index uint32) (keys.AddressSet, error)
	Generate(chain uint32, indices []uint32) ([]keys.AddressSet, error)
	RewardAddress() types.Address
}

// PrivateDeriver gives access to the sealed root key.
type PrivateDeriver interface {
	// DerivePrivate unseals the root key and derives path from it.
	DerivePrivate(ctx context.Context, password []byte, path []uint32) (*keys.HDKey, error)
	// ChangePassword reseals the root key under a new password.
	ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error
}

// AddressScanner keeps the address chains of an account materialized.
type AddressScanner interface {
	Scan(ctx context.Context, chains []scan.Chain, owned resolver.OwnedSet) ([]scan.ChainResult, error)
}

var (
	_ PublicDeriver  = (*keys.AccountKeys)(nil)
	_ PrivateDeriver = (*sealedRoot)(nil)
	_ AddressScanner = (*scan.Scanner)(nil)
)

// sealedRoot is the PrivateDeriver of a wallet created from a mnemonic.
type sealedRoot struct {
	store  *storage.Store
	wallet uint32
	keyID  uint64
	sealer keys.Sealer
	clock  clock.Clock
}

func (r *sealedRoot) unseal(tx *storage.Tx, password []byte) (derivation.Key, []byte, error) {
	k, err := derivation.New(tx, r.wallet).GetKey(r.keyID)
	if err != nil {
		return derivation.Key{}, nil, err
	}
	if k.Kind != derivation.KeyPrivate || !k.Sealed {
		return derivation.Key{}, nil, storage.Invariantf("key %d is not a sealed private key", r.keyID)
	}
	plain, err := r.sealer.Unseal(k.Value, password)
	if err != nil {
		return derivation.Key{}, nil, err
	}
	return k, plain, nil
}

func (r *sealedRoot) DerivePrivate(ctx context.Context, password []byte, path []uint32) (*keys.HDKey, error) {
	var plain []byte
	err := r.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		_, plain, err = r.unseal(tx, password)
		return err
	})
	if err != nil {
		return nil, err
	}
	root, err := keys.ParseExtendedKey(string(plain))
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}
	return root.Derive(path)
}

func (r *sealedRoot) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if len(newPassword) == 0 {
		return ErrEmptyPassword
	}
	op := storage.Op{Name: "change-password", Locks: derivation.Keys}
	return r.store.Update(ctx, op, func(tx *storage.Tx) error {
		k, plain, err := r.unseal(tx, oldPassword)
		if err != nil {
			return err
		}
		k.Value, err = r.sealer.Seal(plain, newPassword)
		if err != nil {
			return fmt.Errorf("seal root key: %w", err)
		}
		k.UpdatedAt = r.clock.Now()
		return derivation.New(tx, r.wallet).UpdateKey(k)
	})
}
