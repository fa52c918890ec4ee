// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package wallet implements the device account: deterministic Ed25519 key
// derivation from a mnemonic phrase, address encoding, and raw message
// signing.
//
// Derivation is pure: the same mnemonic always produces the same key pair
// and address, so an account survives reinstalls as long as the mnemonic is
// retained. The mnemonic is the only secret worth persisting.
package wallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// Domain separation for the account key derived from the mnemonic seed.
const hkdfInfo = "walletauth/v1/ed25519"

const (
	addressDigestLen   = 20
	addressChecksumLen = 4
)

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidMnemonic indicates a phrase that is not a valid BIP39 mnemonic.
var ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

// ErrCorruptKey indicates key material that cannot be used for signing.
// Callers must treat this as fatal: the persisted identity is broken and
// retrying cannot help.
var ErrCorruptKey = errors.New("corrupt account key material")

// Account is a deterministic Ed25519 identity. One account exists per
// install; it is shared by the connect handshake and transaction signing.
type Account struct {
	mnemonic string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	address  string
}

// NewAccount generates an account from fresh random entropy.
func NewAccount() (*Account, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("error generating account entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("error encoding mnemonic: %w", err)
	}
	return AccountFromMnemonic(mnemonic)
}

// AccountFromMnemonic derives the account for a mnemonic phrase. The
// derivation is an explicit KDF (BIP39 seed into HKDF-SHA256) rather than a
// seeded random source, so it cannot be accidentally reused as a generic
// randomness generator.
func AccountFromMnemonic(mnemonic string) (*Account, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	kdf := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfo))
	key := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("error deriving account key: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(key)
	pub := priv.Public().(ed25519.PublicKey)
	return &Account{
		mnemonic: mnemonic,
		priv:     priv,
		pub:      pub,
		address:  EncodeAddress(pub),
	}, nil
}

// Mnemonic returns the phrase the account was derived from.
func (a *Account) Mnemonic() string { return a.mnemonic }

// Address returns the textual account address.
func (a *Account) Address() string { return a.address }

// PublicKey returns the account's Ed25519 public key.
func (a *Account) PublicKey() ed25519.PublicKey { return a.pub }

// Sign signs a raw message with the account key. A failure here means the
// key material is corrupt and the account is unusable.
func (a *Account) Sign(message []byte) ([]byte, error) {
	if len(a.priv) != ed25519.PrivateKeySize {
		return nil, ErrCorruptKey
	}
	return ed25519.Sign(a.priv, message), nil
}

// EncodeAddress computes the textual address for a public key: a 20-byte
// SHA-512/256 digest of the key plus a 4-byte checksum, base32 encoded.
func EncodeAddress(pub ed25519.PublicKey) string {
	digest := sha512.Sum512_256(pub)
	body := make([]byte, addressDigestLen, addressDigestLen+addressChecksumLen)
	copy(body, digest[:addressDigestLen])
	return addressEncoding.EncodeToString(append(body, checksum(body)...))
}

// ParseAddress validates an address and returns its 20-byte digest.
func ParseAddress(address string) ([]byte, error) {
	raw, err := addressEncoding.DecodeString(address)
	if err != nil {
		return nil, fmt.Errorf("malformed address: %w", err)
	}
	if len(raw) != addressDigestLen+addressChecksumLen {
		return nil, fmt.Errorf("malformed address: %d bytes", len(raw))
	}
	body, sum := raw[:addressDigestLen], raw[addressDigestLen:]
	if subtle.ConstantTimeCompare(sum, checksum(body)) == 0 {
		return nil, errors.New("address checksum mismatch")
	}
	return body, nil
}

// Verify reports whether sig is a valid account signature of message.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, sig)
}

func checksum(body []byte) []byte {
	sum := sha512.Sum512_256(body)
	return sum[len(sum)-addressChecksumLen:]
}
