// derive_addresses.go prints the first receive addresses of an account
// extended public key read from a file.
// Usage: go run scripts/derive_addresses.go <xpubfile> [count] [--testnet]
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_addresses <xpubfile> [count] [--testnet]")
		os.Exit(1)
	}
	count := 5
	for _, arg := range os.Args[2:] {
		if arg == "--testnet" {
			types.SetAddressHRP(types.TestnetHRP)
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid count %q\n", arg)
			os.Exit(1)
		}
		count = n
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	account, err := keys.ParseExtendedKey(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ak, err := keys.NewAccountKeys(account)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for i := 0; i < count; i++ {
		set, err := ak.Address(keys.ChainExternal, uint32(i))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		child, err := account.DerivePath(keys.ChainExternal, uint32(i))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("index=%d pubkey=%s address=%s\n", i, hex.EncodeToString(child.PublicKeyBytes()), set.Canonical.String())
	}
	fmt.Printf("reward=%s\n", ak.RewardAddress().String())
}
