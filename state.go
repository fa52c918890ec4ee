// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth

// SignInState is the terminal observable state of the repository. It is a
// closed set: SignedOut, SigningIn, SignedIn, or SignInError.
type SignInState interface {
	isSignInState()
}

// SignedOut means no server session exists.
type SignedOut struct{}

// SigningIn means a sign-in ceremony is in flight.
type SigningIn struct{}

// SignedIn means an authenticated session exists for a wallet address.
type SignedIn struct {
	Username string
}

// SignInError means the last transition failed; the message is suitable
// for display.
type SignInError struct {
	Message string
}

func (SignedOut) isSignInState()   {}
func (SigningIn) isSignInState()   {}
func (SignedIn) isSignInState()    {}
func (SignInError) isSignInState() {}

// Origin is the connection target state. The server base URL is not a
// nullable string: a repository is either Disconnected or Connected to one
// origin.
type Origin interface {
	isOrigin()
}

// Disconnected means no origin has been scanned or configured.
type Disconnected struct{}

// Connected carries the active server origin.
type Connected struct {
	Base string
}

func (Disconnected) isOrigin() {}
func (Connected) isOrigin()    {}

// WalletState describes the local account and its connection, for
// presentation layers that track the wallet rather than the session.
type WalletState interface {
	isWalletState()
}

// NoWallet means no account has been derived yet.
type NoWallet struct{}

// Wallet carries the account address of a disconnected wallet.
type Wallet struct {
	Address string
}

// WalletWithOrigin carries the account address and the connected origin.
type WalletWithOrigin struct {
	Address string
	Origin  string
}

// WalletError means wallet setup failed.
type WalletError struct {
	Message string
}

func (NoWallet) isWalletState()         {}
func (Wallet) isWalletState()           {}
func (WalletWithOrigin) isWalletState() {}
func (WalletError) isWalletState()      {}
