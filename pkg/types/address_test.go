package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func testCredential(b byte) Credential {
	var c Credential
	for i := range c {
		c[i] = b + byte(i)
	}
	return c
}

func TestAddress_String(t *testing.T) {
	oldHRP := activeHRP
	defer func() { activeHRP = oldHRP }()

	SetAddressHRP(MainnetHRP)
	a := NewGroupedAddress(testCredential(1), testCredential(50))
	if s := a.String(); !strings.HasPrefix(s, "kgx1") {
		t.Errorf("String() should start with 'kgx1', got %s", s)
	}

	SetAddressHRP(TestnetHRP)
	if s := a.String(); !strings.HasPrefix(s, "tkgx1") {
		t.Errorf("String() should start with 'tkgx1', got %s", s)
	}
}

func TestAddress_Roundtrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		size int
	}{
		{"grouped", NewGroupedAddress(testCredential(1), testCredential(2)), 41},
		{"single", NewSingleAddress(testCredential(3)), 21},
		{"reward", NewRewardAddress(testCredential(4)), 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.addr.Bytes()); got != tt.size {
				t.Fatalf("Bytes() length = %d, want %d", got, tt.size)
			}

			fromHex, err := ParseAddress(tt.addr.Hex())
			if err != nil {
				t.Fatalf("ParseAddress(hex) error: %v", err)
			}
			if fromHex != tt.addr {
				t.Errorf("hex roundtrip: got %+v, want %+v", fromHex, tt.addr)
			}

			fromBech, err := ParseAddress(tt.addr.String())
			if err != nil {
				t.Fatalf("ParseAddress(bech32) error: %v", err)
			}
			if fromBech != tt.addr {
				t.Errorf("bech32 roundtrip: got %+v, want %+v", fromBech, tt.addr)
			}
		})
	}
}

func TestAddress_Canonical(t *testing.T) {
	spend := testCredential(7)
	grouped := NewGroupedAddress(spend, testCredential(9))
	otherStake := NewGroupedAddress(spend, testCredential(33))

	c1, ok := grouped.Canonical()
	if !ok {
		t.Fatal("grouped address should have a canonical form")
	}
	c2, _ := otherStake.Canonical()
	if c1 != c2 {
		t.Error("addresses sharing a spending credential must share a canonical form")
	}
	if c1 != NewSingleAddress(spend) {
		t.Errorf("canonical = %+v, want single address of spend key", c1)
	}

	if _, ok := NewSingleAddress(spend).Canonical(); ok {
		t.Error("single address has no canonical form")
	}
	if _, ok := NewRewardAddress(spend).Canonical(); ok {
		t.Error("reward address has no canonical form")
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"unknown header", "7f" + strings.Repeat("00", 20)},
		{"short single", "60" + strings.Repeat("00", 19)},
		{"garbage", "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAddress(tt.input); err == nil {
				t.Errorf("ParseAddress(%q) should fail", tt.input)
			}
		})
	}
}

func TestAddress_JSON(t *testing.T) {
	a := NewSingleAddress(testCredential(11))
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var got Address
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got != a {
		t.Errorf("JSON roundtrip: got %+v, want %+v", got, a)
	}
}
