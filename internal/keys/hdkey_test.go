package keys

import (
	"bytes"
	"testing"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// testSeed returns a deterministic seed for testing.
// Uses the BIP-39 test vector: "abandon" x11 + "about" with passphrase "TREZOR".
func testSeed(t *testing.T) []byte {
	t.Helper()
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	seed, err := SeedFromMnemonic(mnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	return seed
}

func testAccount(t *testing.T) *HDKey {
	t.Helper()
	master, err := NewMasterKey(testSeed(t))
	if err != nil {
		t.Fatalf("NewMasterKey() error: %v", err)
	}
	account, err := master.Derive(AccountPath(0))
	if err != nil {
		t.Fatalf("Derive() error: %v", err)
	}
	return account
}

func TestNewMasterKey_InvalidSeedLength(t *testing.T) {
	tests := []struct {
		name string
		seed []byte
	}{
		{"empty", []byte{}},
		{"too short", make([]byte, 32)},
		{"too long", make([]byte, 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMasterKey(tt.seed); err == nil {
				t.Error("expected error for invalid seed length")
			}
		})
	}
}

func TestDerive_AccountDepth(t *testing.T) {
	account := testAccount(t)
	if account.Depth() != 3 {
		t.Errorf("account depth = %d, want 3", account.Depth())
	}
	if !account.IsPrivate() {
		t.Error("account derived from master should be private")
	}
}

func TestNeuter_DeriveChild(t *testing.T) {
	account := testAccount(t)

	privChild, err := account.DerivePath(ChainExternal, 7)
	if err != nil {
		t.Fatalf("DerivePath() error: %v", err)
	}
	pubChild, err := account.Neuter().DerivePath(ChainExternal, 7)
	if err != nil {
		t.Fatalf("DerivePath from public key error: %v", err)
	}

	// Both should produce the same public key (BIP-32 property)
	if !bytes.Equal(privChild.PublicKeyBytes(), pubChild.PublicKeyBytes()) {
		t.Error("public derivation should match private derivation")
	}
	if pubChild.PrivateKeyBytes() != nil {
		t.Error("public derivation should not yield a private key")
	}
}

func TestParseExtendedKey_Roundtrip(t *testing.T) {
	xpub := testAccount(t).Neuter()

	parsed, err := ParseExtendedKey(xpub.String())
	if err != nil {
		t.Fatalf("ParseExtendedKey() error: %v", err)
	}
	if !bytes.Equal(parsed.PublicKeyBytes(), xpub.PublicKeyBytes()) {
		t.Error("parsed key should keep the public key")
	}
	if parsed.IsPrivate() {
		t.Error("parsed xpub should be public")
	}

	if _, err := ParseExtendedKey("xpubgarbage"); err == nil {
		t.Error("ParseExtendedKey should reject garbage")
	}
}

func TestAccountKeys_Address(t *testing.T) {
	ak, err := NewAccountKeys(testAccount(t).Neuter())
	if err != nil {
		t.Fatalf("NewAccountKeys() error: %v", err)
	}

	set, err := ak.Address(ChainExternal, 0)
	if err != nil {
		t.Fatalf("Address() error: %v", err)
	}
	if set.Canonical.Kind != types.KindSingle {
		t.Errorf("canonical kind = %s, want single", set.Canonical.Kind)
	}
	if len(set.Aliases) != 1 || set.Aliases[0].Kind != types.KindGrouped {
		t.Fatalf("aliases = %+v, want one grouped address", set.Aliases)
	}
	canon, ok := set.Aliases[0].Canonical()
	if !ok || canon != set.Canonical {
		t.Error("grouped alias must resolve to the canonical address")
	}
	if set.Aliases[0].Stake != ak.RewardAddress().Stake {
		t.Error("grouped alias must carry the account staking credential")
	}

	change, _ := ak.Address(ChainInternal, 0)
	if change.Canonical == set.Canonical {
		t.Error("external and internal chains should differ")
	}

	staking, err := ak.Address(ChainStaking, 0)
	if err != nil {
		t.Fatalf("Address(staking) error: %v", err)
	}
	if staking.Canonical.Kind != types.KindReward {
		t.Errorf("staking kind = %s, want reward", staking.Canonical.Kind)
	}
	if _, err := ak.Address(ChainStaking, 1); err == nil {
		t.Error("staking chain should only have index 0")
	}
}

func TestAccountKeys_Generate(t *testing.T) {
	ak, err := NewAccountKeys(testAccount(t))
	if err != nil {
		t.Fatalf("NewAccountKeys() error: %v", err)
	}
	sets, err := ak.Generate(ChainExternal, []uint32{3, 4, 5})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(sets) != 3 || sets[0].Index != 3 || sets[2].Index != 5 {
		t.Errorf("Generate() indices = %+v", sets)
	}
	again, _ := ak.Generate(ChainExternal, []uint32{3})
	if again[0].Canonical != sets[0].Canonical {
		t.Error("Generate should be deterministic")
	}
}
