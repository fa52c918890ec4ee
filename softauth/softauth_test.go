// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package softauth_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/walletauth/go-walletauth/softauth"
)

const testOrigin = "https://demo.example:8443"

func creationOptions(t *testing.T, rpID string) *protocol.PublicKeyCredentialCreationOptions {
	t.Helper()
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatal(err)
	}
	return &protocol.PublicKeyCredentialCreationOptions{
		Challenge:    challenge,
		RelyingParty: protocol.RelyingPartyEntity{ID: rpID},
		Parameters: []protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
		},
	}
}

// parseAuthData splits authenticator data into its fixed header and, when
// attested credential data is present, the credential id and COSE key.
func parseAuthData(t *testing.T, raw []byte) (rpIDHash []byte, flags byte, counter uint32, credID, coseKey []byte) {
	t.Helper()
	if len(raw) < 37 {
		t.Fatalf("authenticator data too short: %d bytes", len(raw))
	}
	rpIDHash, flags = raw[:32], raw[32]
	counter = binary.BigEndian.Uint32(raw[33:37])
	if flags&0x40 == 0 {
		return rpIDHash, flags, counter, nil, nil
	}
	rest := raw[37:]
	if len(rest) < 18 {
		t.Fatalf("attested credential data too short: %d bytes", len(rest))
	}
	idLen := binary.BigEndian.Uint16(rest[16:18])
	if len(rest) < 18+int(idLen) {
		t.Fatalf("credential id truncated")
	}
	return rpIDHash, flags, counter, rest[18 : 18+idLen], rest[18+idLen:]
}

func b64d(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("bad base64url %q: %v", s, err)
	}
	return raw
}

func TestAttest(t *testing.T) {
	auth := softauth.New()
	options := creationOptions(t, "demo.example")

	cred, err := auth.Attest(context.Background(), testOrigin, options)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Type != "public-key" {
		t.Errorf("credential type %q, expected public-key", cred.Type)
	}
	if cred.ID != cred.RawID {
		t.Errorf("id %q does not match rawId %q", cred.ID, cred.RawID)
	}

	var client struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Origin    string `json:"origin"`
	}
	if err := json.Unmarshal(b64d(t, cred.Response.ClientDataJSON), &client); err != nil {
		t.Fatal(err)
	}
	if client.Type != "webauthn.create" {
		t.Errorf("client data type %q", client.Type)
	}
	if expect := base64.RawURLEncoding.EncodeToString(options.Challenge); client.Challenge != expect {
		t.Errorf("client data challenge %q, expected %q", client.Challenge, expect)
	}
	if client.Origin != testOrigin {
		t.Errorf("client data origin %q, expected %q", client.Origin, testOrigin)
	}

	var attObj struct {
		AuthData []byte         `cbor:"authData"`
		Fmt      string         `cbor:"fmt"`
		AttStmt  map[string]any `cbor:"attStmt"`
	}
	if err := cbor.Unmarshal(b64d(t, cred.Response.AttestationObject), &attObj); err != nil {
		t.Fatal(err)
	}
	if attObj.Fmt != "none" {
		t.Errorf("attestation format %q, expected none", attObj.Fmt)
	}
	if len(attObj.AttStmt) != 0 {
		t.Errorf("none attestation carries a statement: %v", attObj.AttStmt)
	}

	rpIDHash, flags, counter, credID, coseKey := parseAuthData(t, attObj.AuthData)
	if expect := sha256.Sum256([]byte("demo.example")); !bytes.Equal(rpIDHash, expect[:]) {
		t.Error("rpIdHash does not match relying party id")
	}
	if flags != 0x45 {
		t.Errorf("flags %#02x, expected UP|UV|AT", flags)
	}
	if counter != 0 {
		t.Errorf("fresh credential counter %d, expected 0", counter)
	}
	if !bytes.Equal(credID, b64d(t, cred.ID)) {
		t.Error("attested credential id does not match credential id")
	}

	var key struct {
		Kty int    `cbor:"1,keyasint"`
		Alg int    `cbor:"3,keyasint"`
		Crv int    `cbor:"-1,keyasint"`
		X   []byte `cbor:"-2,keyasint"`
	}
	if err := cbor.Unmarshal(coseKey, &key); err != nil {
		t.Fatal(err)
	}
	if key.Kty != 1 || key.Alg != -8 || key.Crv != 6 {
		t.Errorf("COSE key parameters kty=%d alg=%d crv=%d, expected OKP/EdDSA/Ed25519", key.Kty, key.Alg, key.Crv)
	}
	if len(key.X) != ed25519.PublicKeySize {
		t.Errorf("COSE public key is %d bytes", len(key.X))
	}
}

func TestAttestRejectsUnsupportedAlgorithms(t *testing.T) {
	options := creationOptions(t, "demo.example")
	options.Parameters = []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	}
	if _, err := softauth.New().Attest(context.Background(), testOrigin, options); err == nil {
		t.Fatal("expected error for ES256-only parameters")
	}
}

func TestAttestDerivesRelyingPartyFromOrigin(t *testing.T) {
	auth := softauth.New()
	cred, err := auth.Attest(context.Background(), testOrigin, creationOptions(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	var attObj struct {
		AuthData []byte `cbor:"authData"`
	}
	if err := cbor.Unmarshal(b64d(t, cred.Response.AttestationObject), &attObj); err != nil {
		t.Fatal(err)
	}
	rpIDHash, _, _, _, _ := parseAuthData(t, attObj.AuthData)
	if expect := sha256.Sum256([]byte("demo.example")); !bytes.Equal(rpIDHash, expect[:]) {
		t.Error("rpIdHash not derived from origin host")
	}
}

func TestAssert(t *testing.T) {
	ctx := context.Background()
	auth := softauth.New()
	attested, err := auth.Attest(ctx, testOrigin, creationOptions(t, "demo.example"))
	if err != nil {
		t.Fatal(err)
	}

	var attObj struct {
		AuthData []byte `cbor:"authData"`
	}
	if err := cbor.Unmarshal(b64d(t, attested.Response.AttestationObject), &attObj); err != nil {
		t.Fatal(err)
	}
	_, _, _, _, coseKey := parseAuthData(t, attObj.AuthData)
	var key struct {
		X []byte `cbor:"-2,keyasint"`
	}
	if err := cbor.Unmarshal(coseKey, &key); err != nil {
		t.Fatal(err)
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatal(err)
	}
	options := &protocol.PublicKeyCredentialRequestOptions{
		Challenge:      challenge,
		RelyingPartyID: "demo.example",
		AllowedCredentials: []protocol.CredentialDescriptor{
			{Type: protocol.PublicKeyCredentialType, CredentialID: b64d(t, attested.ID)},
		},
	}

	asserted, err := auth.Assert(ctx, testOrigin, options)
	if err != nil {
		t.Fatal(err)
	}
	if asserted.ID != attested.ID {
		t.Errorf("asserted with credential %q, expected %q", asserted.ID, attested.ID)
	}

	authData := b64d(t, asserted.Response.AuthenticatorData)
	_, flags, counter, _, _ := parseAuthData(t, authData)
	if flags != 0x05 {
		t.Errorf("flags %#02x, expected UP|UV", flags)
	}
	if counter != 1 {
		t.Errorf("counter %d after first assertion, expected 1", counter)
	}

	clientDataJSON := b64d(t, asserted.Response.ClientDataJSON)
	var client struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(clientDataJSON, &client); err != nil {
		t.Fatal(err)
	}
	if client.Type != "webauthn.get" {
		t.Errorf("client data type %q", client.Type)
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := append(authData, clientDataHash[:]...)
	if !ed25519.Verify(ed25519.PublicKey(key.X), signed, b64d(t, asserted.Response.Signature)) {
		t.Error("assertion signature does not verify against attested public key")
	}

	// Counter must advance monotonically across assertions.
	again, err := auth.Assert(ctx, testOrigin, options)
	if err != nil {
		t.Fatal(err)
	}
	_, _, counter, _, _ = parseAuthData(t, b64d(t, again.Response.AuthenticatorData))
	if counter != 2 {
		t.Errorf("counter %d after second assertion, expected 2", counter)
	}
}

func TestAssertUnknownCredential(t *testing.T) {
	ctx := context.Background()
	auth := softauth.New()
	if _, err := auth.Attest(ctx, testOrigin, creationOptions(t, "demo.example")); err != nil {
		t.Fatal(err)
	}

	unknown := make([]byte, 32)
	if _, err := rand.Read(unknown); err != nil {
		t.Fatal(err)
	}
	_, err := auth.Assert(ctx, testOrigin, &protocol.PublicKeyCredentialRequestOptions{
		Challenge:      []byte("challenge"),
		RelyingPartyID: "demo.example",
		AllowedCredentials: []protocol.CredentialDescriptor{
			{Type: protocol.PublicKeyCredentialType, CredentialID: unknown},
		},
	})
	if err == nil {
		t.Fatal("expected error asserting with unknown allowed credential")
	}

	if _, err := auth.Assert(ctx, testOrigin, &protocol.PublicKeyCredentialRequestOptions{
		Challenge:      []byte("challenge"),
		RelyingPartyID: "other.example",
	}); err == nil {
		t.Fatal("expected error asserting for unregistered relying party")
	}
}
