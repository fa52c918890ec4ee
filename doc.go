// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package walletauth implements a FIDO2/WebAuthn authentication-relay
// client bound to a deterministic wallet account.
//
// A Repository drives a device through the protocol state machine:
// connect handshake (scanned from a barcode payload), session creation,
// attestation (credential registration), assertion (sign-in), and
// credential-list maintenance, persisting its state in a session store
// and signing connect challenges with the wallet key.
//
// The WebAuthn ceremonies themselves are delegated to an Authenticator
// collaborator; package softauth provides a software implementation, and
// package server implements the relying-party side of the wire protocol.
package walletauth
