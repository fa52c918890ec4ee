// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package softauth implements a software authenticator: a stand-in for a
// platform FIDO2 API that fulfills WebAuthn ceremonies with locally held
// Ed25519 keys. It produces none-format attestation objects, so servers
// learn nothing about the authenticator beyond the credential itself.
package softauth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/walletauth/go-walletauth"
	"github.com/walletauth/go-walletauth/api"
)

const (
	credentialIDSize = 32

	// Authenticator data flags.
	flagUserPresent       = 0x01
	flagUserVerified      = 0x04
	flagAttestedCredental = 0x40
)

// COSE constants for an Ed25519 key: kty OKP, alg EdDSA, crv Ed25519.
const (
	coseKtyOKP     = 1
	coseAlgEdDSA   = -8
	coseCrvEd25519 = 6
)

// Authenticator holds software credentials keyed by relying party.
type Authenticator struct {
	mu    sync.Mutex
	creds []*credential
}

var _ walletauth.Authenticator = (*Authenticator)(nil)

type credential struct {
	ID      []byte
	RPID    string
	Key     ed25519.PrivateKey
	Counter uint32
}

// New creates an empty software authenticator.
func New() *Authenticator { return &Authenticator{} }

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// attestationObject is the CBOR envelope posted during registration. With
// the none format the statement map stays empty.
type attestationObject struct {
	AuthData []byte         `cbor:"authData"`
	Fmt      string         `cbor:"fmt"`
	AttStmt  map[string]any `cbor:"attStmt"`
}

// Attest implements walletauth.Authenticator: it mints a new Ed25519
// credential scoped to the relying party and packages it as a none-format
// attestation.
func (a *Authenticator) Attest(_ context.Context, origin string, options *protocol.PublicKeyCredentialCreationOptions) (*api.AttestationCredential, error) {
	if !supportsEdDSA(options.Parameters) {
		return nil, errors.New("server accepts no supported signature algorithm")
	}
	rpID, err := relyingPartyID(options.RelyingParty.ID, origin)
	if err != nil {
		return nil, err
	}

	id := make([]byte, credentialIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("error generating credential id: %w", err)
	}
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating credential key: %w", err)
	}

	clientDataJSON, err := json.Marshal(clientData{
		Type:      "webauthn.create",
		Challenge: base64.RawURLEncoding.EncodeToString(options.Challenge),
		Origin:    origin,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding client data: %w", err)
	}

	coseKey, err := cbor.Marshal(map[int]any{
		1:  coseKtyOKP,
		3:  coseAlgEdDSA,
		-1: coseCrvEd25519,
		-2: []byte(pub),
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding credential public key: %w", err)
	}

	authData := newAuthData(rpID, flagUserPresent|flagUserVerified|flagAttestedCredental, 0)
	authData = append(authData, make([]byte, 16)...) // zero AAGUID
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(id)))
	authData = append(authData, id...)
	authData = append(authData, coseKey...)

	attObj, err := cbor.Marshal(attestationObject{
		AuthData: authData,
		Fmt:      "none",
		AttStmt:  map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding attestation object: %w", err)
	}

	a.mu.Lock()
	a.creds = append(a.creds, &credential{ID: id, RPID: rpID, Key: key})
	a.mu.Unlock()

	encodedID := base64.RawURLEncoding.EncodeToString(id)
	return &api.AttestationCredential{
		ID:    encodedID,
		Type:  "public-key",
		RawID: encodedID,
		Response: api.AttestationResponseData{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attObj),
		},
	}, nil
}

// Assert implements walletauth.Authenticator: it answers a sign-in
// challenge with one of the held credentials.
func (a *Authenticator) Assert(_ context.Context, origin string, options *protocol.PublicKeyCredentialRequestOptions) (*api.AssertionCredential, error) {
	rpID, err := relyingPartyID(options.RelyingPartyID, origin)
	if err != nil {
		return nil, err
	}
	cred := a.pick(rpID, options.AllowedCredentials)
	if cred == nil {
		return nil, fmt.Errorf("no credential for relying party %q", rpID)
	}

	clientDataJSON, err := json.Marshal(clientData{
		Type:      "webauthn.get",
		Challenge: base64.RawURLEncoding.EncodeToString(options.Challenge),
		Origin:    origin,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding client data: %w", err)
	}

	a.mu.Lock()
	cred.Counter++
	counter := cred.Counter
	a.mu.Unlock()

	authData := newAuthData(rpID, flagUserPresent|flagUserVerified, counter)
	clientDataHash := sha256.Sum256(clientDataJSON)
	signature := ed25519.Sign(cred.Key, append(append([]byte{}, authData...), clientDataHash[:]...))

	encodedID := base64.RawURLEncoding.EncodeToString(cred.ID)
	return &api.AssertionCredential{
		ID:    encodedID,
		Type:  "public-key",
		RawID: encodedID,
		Response: api.AssertionResponseData{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(signature),
			UserHandle:        "",
		},
	}, nil
}

func (a *Authenticator) pick(rpID string, allowed []protocol.CredentialDescriptor) *credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cred := range a.creds {
		if cred.RPID != rpID {
			continue
		}
		if len(allowed) == 0 {
			return cred
		}
		for _, desc := range allowed {
			if bytes.Equal(desc.CredentialID, cred.ID) {
				return cred
			}
		}
	}
	return nil
}

func newAuthData(rpID string, flags byte, counter uint32) []byte {
	rpIDHash := sha256.Sum256([]byte(rpID))
	data := make([]byte, 0, len(rpIDHash)+5)
	data = append(data, rpIDHash[:]...)
	data = append(data, flags)
	return binary.BigEndian.AppendUint32(data, counter)
}

func supportsEdDSA(params []protocol.CredentialParameter) bool {
	if len(params) == 0 {
		return true
	}
	for _, p := range params {
		if int(p.Algorithm) == coseAlgEdDSA {
			return true
		}
	}
	return false
}

func relyingPartyID(fromOptions, origin string) (string, error) {
	if fromOptions != "" {
		return fromOptions, nil
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return "", fmt.Errorf("cannot derive relying party id from origin %q", origin)
	}
	return parsed.Hostname(), nil
}
