// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/neilotoole/jsoncolor"

	walletauth "github.com/walletauth/go-walletauth"
	"github.com/walletauth/go-walletauth/api"
	"github.com/walletauth/go-walletauth/softauth"
	"github.com/walletauth/go-walletauth/store"
	"github.com/walletauth/go-walletauth/wallet"
)

var clientFlags = flag.NewFlagSet("client", flag.ContinueOnError)

var (
	dbPath      string
	authURL     string
	mnemonic    string
	credID      string
	barcodePath string
	payTo       string
	payAmount   uint64
	payNote     string
)

func init() {
	clientFlags.StringVar(&dbPath, "db", "", "SQLite state `file` path; defaults to in-memory state")
	clientFlags.StringVar(&authURL, "auth", "http://localhost:8080", "Auth server base `url`")
	clientFlags.StringVar(&mnemonic, "mnemonic", "", "Derive the wallet from this `phrase` instead of generating one")
	clientFlags.StringVar(&credID, "cred", "", "Credential `id` for the delete action")
	clientFlags.StringVar(&barcodePath, "barcode", "", "Connect barcode payload `file`, - for stdin")
	clientFlags.StringVar(&payTo, "to", "", "Receiver `address` for the send action")
	clientFlags.Uint64Var(&payAmount, "amount", 0, "Amount in micro-units for the send action")
	clientFlags.StringVar(&payNote, "note", "", "Optional transaction note for the send action")
	clientFlags.BoolVar(&debug, "debug", debug, "Print debug logging")
}

func client() error {
	if debug {
		level.Set(slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openState()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	repo := walletauth.New(&api.Client{Base: authURL}, st)
	repo.SetAuthenticator(softauth.New())
	if err := repo.Initialize(ctx, mnemonic); err != nil {
		return fmt.Errorf("error initializing wallet: %w", err)
	}

	action := clientFlags.Arg(0)
	switch action {
	case "", "status":
		// Initialization above already created a session and refreshed.
	case "register":
		if err := repo.Register(ctx); err != nil {
			return fmt.Errorf("error registering credential: %w", err)
		}
	case "signin":
		if err := repo.SignIn(ctx); err != nil {
			return fmt.Errorf("error signing in: %w", err)
		}
	case "delete":
		if credID == "" {
			return errors.New("delete requires -cred")
		}
		if err := repo.DeleteKey(ctx, credID); err != nil {
			return fmt.Errorf("error deleting credential: %w", err)
		}
	case "connect":
		if err := connect(ctx, repo); err != nil {
			return err
		}
	case "send":
		return send(repo)
	default:
		return fmt.Errorf("unknown client action %q", action)
	}

	return printStatus(ctx, repo)
}

func openState() (store.Store, error) {
	if dbPath == "" {
		return store.NewMemory(), nil
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening state db: %w", err)
	}
	return db, nil
}

func connect(ctx context.Context, repo *walletauth.Repository) error {
	if barcodePath == "" {
		return errors.New("connect requires -barcode")
	}
	var payload []byte
	var err error
	if barcodePath == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(barcodePath)
	}
	if err != nil {
		return fmt.Errorf("error reading barcode payload: %w", err)
	}
	req, err := walletauth.ParseConnectRequest(payload)
	if err != nil {
		return err
	}
	if err := repo.ConnectResponse(ctx, req); err != nil {
		return fmt.Errorf("error answering connect request: %w", err)
	}
	return nil
}

// send signs a payment transaction with the wallet key and prints it.
// Submission to a ledger is out of scope; the output is what a relay
// would accept.
func send(repo *walletauth.Repository) error {
	if _, err := wallet.ParseAddress(payTo); err != nil {
		return fmt.Errorf("invalid -to address: %w", err)
	}
	if payAmount == 0 {
		return errors.New("send requires -amount")
	}
	account := repo.Account()
	signed, err := account.SignTransaction(&wallet.Transaction{
		From:   account.Address(),
		To:     payTo,
		Amount: payAmount,
		Note:   payNote,
	})
	if err != nil {
		return fmt.Errorf("error signing transaction: %w", err)
	}
	return printJSON(signed)
}

func printStatus(ctx context.Context, repo *walletauth.Repository) error {
	creds, err := repo.Credentials(ctx)
	if err != nil {
		return err
	}

	status := struct {
		Address     string           `json:"address,omitempty"`
		Origin      string           `json:"origin,omitempty"`
		Credentials []api.Credential `json:"credentials"`
	}{
		Credentials: creds,
	}
	switch state := repo.WalletStatus().(type) {
	case walletauth.Wallet:
		status.Address = state.Address
	case walletauth.WalletWithOrigin:
		status.Address = state.Address
		status.Origin = state.Origin
	}
	return printJSON(status)
}

func printJSON(v any) error {
	enc := jsoncolor.NewEncoder(os.Stdout)
	if jsoncolor.IsColorTerminal(os.Stdout) {
		enc.SetColors(jsoncolor.DefaultColors())
	}
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
