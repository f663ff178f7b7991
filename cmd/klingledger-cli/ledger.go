package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/wallet"
)

var syncCmd = cli.Command{
	Name:  "sync",
	Usage: "run one sync cycle against the backend",
	Flags: []cli.Flag{walletFlag},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		rep, err := w.Sync(c.Context)
		if err != nil {
			return err
		}
		if rb := rep.Rollback; rb != nil {
			if rb.Superseded {
				fmt.Println("Rollback superseded by a newer sync; nothing changed")
				return nil
			}
			fmt.Printf("Rolled back to height %d: %d failed, %d pending, %d outputs restored\n",
				rb.Height, rb.Result.Failed, rb.Result.Pending, rb.Result.Restored)
			return nil
		}
		for _, ch := range rep.Scanned {
			fmt.Printf("Chain %d: %d addresses (%d new), highest used %d\n",
				ch.Chain, ch.Total, ch.Added, ch.HighestUsed)
		}
		fmt.Printf("Fetched %d transactions: %d inserted, %d updated, %d expired\n",
			rep.Fetched, rep.Merged.Inserted, rep.Merged.Updated, rep.Merged.Expired)
		if wm := rep.Watermark; wm != nil {
			fmt.Printf("Synced to height %d (%s)\n", wm.Height, wm.BlockHash)
		}
		return nil
	}),
}

var balanceCmd = cli.Command{
	Name:  "balance",
	Usage: "show the wallet balance",
	Flags: []cli.Flag{walletFlag},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		bal, err := w.Balance(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Confirmed: %s\n", formatAmount(bal.Confirmed))
		fmt.Printf("Incoming:  %s\n", formatAmount(bal.Incoming))
		fmt.Printf("Outgoing:  %s\n", formatAmount(bal.Outgoing))
		return nil
	}),
}

var historyCmd = cli.Command{
	Name:  "history",
	Usage: "list wallet transactions, newest first",
	Flags: []cli.Flag{
		walletFlag,
		&cli.IntFlag{
			Name:  "limit",
			Usage: "maximum number of transactions, 0 for all",
			Value: 20,
		},
	},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		entries, err := w.History(c.Context, c.Int("limit"))
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No transactions")
			return nil
		}
		for _, e := range entries {
			height := "-"
			if e.Block != nil {
				height = fmt.Sprint(e.Block.Height)
			}
			fmt.Printf("%s  %-13s %8s  +%s  -%s\n",
				e.Tx.Hash, e.Tx.Status, height, formatAmount(e.Received), formatAmount(e.Sent))
		}
		return nil
	}),
}

var addressesCmd = cli.Command{
	Name:  "addresses",
	Usage: "list the addresses of a chain",
	Flags: []cli.Flag{
		walletFlag,
		&cli.UintFlag{
			Name:  "chain",
			Usage: "0 external, 1 internal",
			Value: keys.ChainExternal,
		},
	},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		addrs, err := w.Addresses(c.Context, uint32(c.Uint("chain")))
		if err != nil {
			return err
		}
		for _, a := range addrs {
			used := ""
			if a.Used {
				used = "used"
			}
			fmt.Printf("%d/%d  %s  %s\n", a.Chain, a.Index, a.Address, used)
		}
		return nil
	}),
}

var revealCmd = cli.Command{
	Name:  "reveal",
	Usage: "show the next unused receive address",
	Flags: []cli.Flag{walletFlag},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		a, err := w.RevealNext(c.Context)
		if err != nil {
			return err
		}
		fmt.Println(a.Address)
		return nil
	}),
}

var verifyCmd = cli.Command{
	Name:  "verify",
	Usage: "compare local unspent outputs with the backend",
	Flags: []cli.Flag{walletFlag},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		diff, err := w.VerifyUtxos(c.Context)
		if err != nil {
			return err
		}
		if diff.Consistent() {
			fmt.Println("Unspent outputs match the backend")
			return nil
		}
		for _, u := range diff.Missing {
			fmt.Printf("missing    %s:%d  %s\n", u.TxHash, u.Index, formatAmount(u.Amount))
		}
		for _, u := range diff.Unexpected {
			fmt.Printf("unexpected %s:%d  %s  %s\n", u.TxHash, u.Index, u.Address, formatAmount(u.Amount))
		}
		return fmt.Errorf("%d missing, %d unexpected outputs", len(diff.Missing), len(diff.Unexpected))
	}),
}
