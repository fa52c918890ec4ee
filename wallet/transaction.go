// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

// Transactions are signed over their canonical encoding with a domain
// prefix, so a transaction signature can never be confused with a connect
// challenge signature made by the same key.
var txPrefix = []byte("TX")

// Transaction is a payment order, typically scanned from a barcode payload.
type Transaction struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// SignedTransaction carries a transaction together with the sender's
// signature and public key, ready for submission.
type SignedTransaction struct {
	Txn       Transaction `json:"txn"`
	Signature []byte      `json:"sig"`
	PublicKey []byte      `json:"pk"`
}

// ParseTransaction decodes and validates a scanned payment payload.
func ParseTransaction(payload []byte) (*Transaction, error) {
	var txn Transaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return nil, fmt.Errorf("malformed transaction payload: %w", err)
	}
	if _, err := ParseAddress(txn.From); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if _, err := ParseAddress(txn.To); err != nil {
		return nil, fmt.Errorf("invalid receiver: %w", err)
	}
	if txn.Amount == 0 {
		return nil, errors.New("zero amount")
	}
	return &txn, nil
}

// Encode returns the canonical signing bytes of the transaction.
func (t *Transaction) Encode() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("error encoding transaction: %w", err)
	}
	return append(append([]byte{}, txPrefix...), body...), nil
}

// SignTransaction signs a transaction whose sender is this account.
func (a *Account) SignTransaction(t *Transaction) (*SignedTransaction, error) {
	if t.From != a.address {
		return nil, fmt.Errorf("transaction sender %s is not this account", t.From)
	}
	msg, err := t.Encode()
	if err != nil {
		return nil, err
	}
	sig, err := a.Sign(msg)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Txn:       *t,
		Signature: sig,
		PublicKey: append([]byte{}, a.pub...),
	}, nil
}

// Verify checks the signature and that the sender address matches the
// embedded public key.
func (st *SignedTransaction) Verify() error {
	if EncodeAddress(st.PublicKey) != st.Txn.From {
		return errors.New("public key does not match sender address")
	}
	msg, err := st.Txn.Encode()
	if err != nil {
		return err
	}
	if !Verify(ed25519.PublicKey(st.PublicKey), msg, st.Signature) {
		return errors.New("invalid transaction signature")
	}
	return nil
}
