package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/wallet"
)

var walletCmd = cli.Command{
	Name:  "wallet",
	Usage: "create, import and remove wallets",
	Subcommands: []*cli.Command{
		&walletCreateCmd,
		&walletImportXpubCmd,
		&walletListCmd,
		&walletRemoveCmd,
		&walletPasswdCmd,
		&walletExportKeyCmd,
	},
}

var walletCreateCmd = cli.Command{
	Name:  "create",
	Usage: "create a wallet from a new or existing mnemonic",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "name",
			Usage:    "unique wallet name",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "mnemonic",
			Usage: "restore from this mnemonic instead of generating one",
		},
		&cli.StringFlag{
			Name:  "passphrase",
			Usage: "optional BIP-39 passphrase",
		},
		&cli.UintFlag{
			Name:  "account",
			Usage: "account index",
		},
	},
	Action: walletCreateAction,
}

func walletCreateAction(c *cli.Context) error {
	mnemonic := c.String("mnemonic")
	generated := mnemonic == ""
	if generated {
		var err error
		if mnemonic, err = keys.GenerateMnemonic(); err != nil {
			return err
		}
	}

	password, err := readPassword("Wallet password: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if !bytes.Equal(password, confirm) {
		return errors.New("passwords do not match")
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := s.manager.Create(c.Context, wallet.CreateRequest{
		Name:       c.String("name"),
		Mnemonic:   mnemonic,
		Passphrase: c.String("passphrase"),
		Password:   password,
		Account:    uint32(c.Uint("account")),
	})
	if err != nil {
		return err
	}

	rec := w.Record()
	fmt.Printf("Wallet %q created (id %d)\n", rec.Name, rec.ID)
	if generated {
		fmt.Println()
		fmt.Println("Write down this mnemonic. It is the only way to restore the wallet:")
		fmt.Println()
		fmt.Println("  " + mnemonic)
		fmt.Println()
	}
	return nil
}

var walletImportXpubCmd = cli.Command{
	Name:  "import-xpub",
	Usage: "add a watch-only wallet from an account extended public key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "name",
			Usage:    "unique wallet name",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "xpub",
			Usage:    "account-level extended public key",
			Required: true,
		},
		&cli.UintFlag{
			Name:  "account",
			Usage: "account index the key was derived at",
		},
	},
	Action: walletImportXpubAction,
}

func walletImportXpubAction(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := s.manager.CreateWatchOnly(c.Context, c.String("name"), c.String("xpub"), uint32(c.Uint("account")))
	if err != nil {
		return err
	}
	rec := w.Record()
	fmt.Printf("Watch-only wallet %q created (id %d)\n", rec.Name, rec.ID)
	return nil
}

var walletListCmd = cli.Command{
	Name:   "list",
	Usage:  "list wallets",
	Action: walletListAction,
}

func walletListAction(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.manager.List(c.Context)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No wallets")
		return nil
	}
	fmt.Printf("%-4s %-20s %-8s %-10s %s\n", "ID", "NAME", "ACCOUNT", "KIND", "CREATED")
	for _, rec := range recs {
		kind := "hd"
		if rec.WatchOnly {
			kind = "watch"
		}
		fmt.Printf("%-4d %-20s %-8d %-10s %s\n",
			rec.ID, rec.Name, rec.Account, kind, rec.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

var walletRemoveCmd = cli.Command{
	Name:  "remove",
	Usage: "delete a wallet and all of its ledger data",
	Flags: []cli.Flag{
		walletFlag,
		&cli.BoolFlag{
			Name:  "yes",
			Usage: "do not ask for confirmation",
		},
	},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		rec := w.Record()
		if !c.Bool("yes") {
			return fmt.Errorf("removing wallet %q deletes its history; rerun with --yes", rec.Name)
		}
		if err := s.manager.Remove(c.Context, rec.ID); err != nil {
			return err
		}
		fmt.Printf("Wallet %q removed\n", rec.Name)
		return nil
	}),
}

var walletPasswdCmd = cli.Command{
	Name:  "passwd",
	Usage: "change the password sealing the wallet root key",
	Flags: []cli.Flag{walletFlag},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		if w.Private == nil {
			return wallet.ErrWatchOnly
		}
		oldPassword, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		newPassword, err := readPassword("New password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm new password: ")
		if err != nil {
			return err
		}
		if !bytes.Equal(newPassword, confirm) {
			return errors.New("passwords do not match")
		}
		if err := w.Private.ChangePassword(c.Context, oldPassword, newPassword); err != nil {
			if errors.Is(err, keys.ErrPassphrase) {
				return errors.New("wrong password")
			}
			return err
		}
		fmt.Println("Password changed")
		return nil
	}),
}

var walletExportKeyCmd = cli.Command{
	Name:  "export-key",
	Usage: "print the private key of one wallet address",
	Flags: []cli.Flag{
		walletFlag,
		&cli.UintFlag{
			Name:  "chain",
			Usage: "0 external, 1 internal, 2 staking",
		},
		&cli.UintFlag{
			Name:  "index",
			Usage: "address index",
		},
	},
	Action: withWallet(func(c *cli.Context, s *session, w *wallet.Wallet) error {
		if w.Private == nil {
			return wallet.ErrWatchOnly
		}
		password, err := readPassword("Wallet password: ")
		if err != nil {
			return err
		}
		rec := w.Record()
		path := append(keys.AccountPath(rec.Account), uint32(c.Uint("chain")), uint32(c.Uint("index")))
		key, err := w.Private.DerivePrivate(c.Context, password, path)
		if err != nil {
			if errors.Is(err, keys.ErrPassphrase) {
				return errors.New("wrong password")
			}
			return err
		}
		fmt.Println(hex.EncodeToString(key.PrivateKeyBytes()))
		return nil
	}),
}
