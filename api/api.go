// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package api implements the remote auth client: typed request/response
// functions against the relying-party server's JSON wire protocol.
//
// Session correlation uses an HTTP cookie. There is no session object on
// the wire, only the opaque connect.sid value: it is parsed by name-prefix
// match on Set-Cookie response headers and threaded back into Cookie
// request headers. Any response may refresh it, so every call returns the
// possibly updated session id alongside its data.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
)

const sessionCookie = "connect.sid="

// ErrSignedOut is returned when the server responds 401: the session
// itself is invalid and the caller must sign out locally before creating a
// new one. It is distinguished from transient request failures, which are
// reported as *Error.
var ErrSignedOut = errors.New("signed out by server")

// Error is a non-2xx server response other than 401, carrying the
// best-effort parsed error envelope.
type Error struct {
	StatusCode int
	Message    string
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error: status %d: %s", e.StatusCode, e.Message)
}

// Credential is one registered passkey as the server reports it.
type Credential struct {
	ID        string `json:"credId"`
	PublicKey string `json:"publicKey"`
}

// AttestationCredential is the wire form of a completed registration
// ceremony. All binary fields are base64url encoded.
type AttestationCredential struct {
	ID       string                  `json:"id"`
	Type     string                  `json:"type"`
	RawID    string                  `json:"rawId"`
	Response AttestationResponseData `json:"response"`
}

// AttestationResponseData is the authenticator output of a registration.
type AttestationResponseData struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AttestationObject string `json:"attestationObject"`
}

// AssertionCredential is the wire form of a completed sign-in ceremony.
type AssertionCredential struct {
	ID       string                `json:"id"`
	Type     string                `json:"type"`
	RawID    string                `json:"rawId"`
	Response AssertionResponseData `json:"response"`
}

// AssertionResponseData is the authenticator output of a sign-in.
type AssertionResponseData struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle"`
}

// ConnectSubmission is the barcode-initiated handshake: it proves wallet
// ownership by answering a server-issued challenge with the wallet key's
// signature, correlated by the scanned request id.
type ConnectSubmission struct {
	RequestID string `json:"requestId"`
	Wallet    string `json:"wallet"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Client makes requests against a relying-party server. Calls accept an
// origin override because the server base URL can be switched at runtime
// by scanning a barcode; an empty origin uses Base.
type Client struct {
	// HTTP client to use for requests. Nil indicates that the default
	// client should be used.
	HTTP *http.Client

	// Base URL including scheme, e.g. https://example.com.
	Base string
}

// CreateSession starts a server session for a wallet address and returns
// the new session id.
func (c *Client) CreateSession(ctx context.Context, wallet, origin string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin), "/auth/session", "",
		map[string]string{"wallet": wallet})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	sessionID, err := c.result(resp)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", fmt.Errorf("no %s cookie in session response", strings.TrimSuffix(sessionCookie, "="))
	}
	return sessionID, nil
}

// GetKeys lists the credentials registered on the server.
func (c *Client) GetKeys(ctx context.Context, sessionID, origin string) ([]Credential, string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.origin(origin), "/auth/keys", sessionID, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newSessionID, err := c.result(resp)
	if err != nil {
		return nil, "", err
	}
	creds, err := parseCredentials(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return creds, newSessionID, nil
}

// DeleteKey removes a credential registered on the server.
func (c *Client) DeleteKey(ctx context.Context, sessionID, credentialID, origin string) (string, error) {
	resp, err := c.do(ctx, http.MethodDelete, c.origin(origin),
		"/auth/keys/"+url.PathEscape(credentialID), sessionID, struct{}{})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.result(resp)
}

// AttestationRequest asks the server for registration options to hand to
// an authenticator. The option blob is decoded but otherwise opaque to
// this layer.
func (c *Client) AttestationRequest(ctx context.Context, sessionID, origin string) (*protocol.PublicKeyCredentialCreationOptions, string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin), "/attestation/request", sessionID,
		map[string]any{
			"attestation": "none",
			"authenticatorSelection": map[string]string{
				"authenticatorAttachment": "platform",
				"userVerification":        "required",
			},
		})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newSessionID, err := c.result(resp)
	if err != nil {
		return nil, "", err
	}
	var options protocol.PublicKeyCredentialCreationOptions
	if err := decodeBody(resp.Body, "/attestation/request", &options); err != nil {
		return nil, "", err
	}
	return &options, newSessionID, nil
}

// AttestationResponse posts the authenticator-produced registration
// credential and returns the refreshed credential list.
func (c *Client) AttestationResponse(ctx context.Context, sessionID string, credential *AttestationCredential, origin string) ([]Credential, string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin), "/attestation/response", sessionID, credential)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newSessionID, err := c.result(resp)
	if err != nil {
		return nil, "", err
	}
	creds, err := parseCredentials(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return creds, newSessionID, nil
}

// AssertionRequest asks the server for sign-in options for one known
// credential id. The session id may be empty: re-assertion is allowed
// without an authenticated session.
func (c *Client) AssertionRequest(ctx context.Context, sessionID, credentialID, origin string) (*protocol.PublicKeyCredentialRequestOptions, string, error) {
	if sessionID == "" {
		slog.Debug("assertion request without a session")
	}
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin),
		"/assertion/request/"+url.PathEscape(credentialID), sessionID, struct{}{})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newSessionID, err := c.result(resp)
	if err != nil {
		return nil, "", err
	}
	var options protocol.PublicKeyCredentialRequestOptions
	if err := decodeBody(resp.Body, "/assertion/request", &options); err != nil {
		return nil, "", err
	}
	return &options, newSessionID, nil
}

// AssertionResponse posts the authenticator-produced sign-in credential
// and returns the refreshed credential list.
func (c *Client) AssertionResponse(ctx context.Context, sessionID string, credential *AssertionCredential, origin string) ([]Credential, string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin), "/assertion/response", sessionID, credential)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	newSessionID, err := c.result(resp)
	if err != nil {
		return nil, "", err
	}
	creds, err := parseCredentials(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return creds, newSessionID, nil
}

// ConnectResponse submits a scanned-barcode connection handshake.
func (c *Client) ConnectResponse(ctx context.Context, submission ConnectSubmission, origin string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.origin(origin), "/connect/response", "", submission)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.result(resp)
}

func (c *Client) origin(override string) string {
	if override != "" {
		return override
	}
	return c.Base
}

func (c *Client) do(ctx context.Context, method, origin, path, sessionID string, body any) (*http.Response, error) {
	uri, err := url.JoinPath(origin, path)
	if err != nil {
		return nil, fmt.Errorf("error building URL for %s: %w", path, err)
	}

	var reader io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("error encoding %s request: %w", path, err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("Cookie", sessionCookie+sessionID)
	}

	slog.Debug("auth api request", "method", method, "url", uri)
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling %s %s: %w", method, uri, err)
	}
	return resp, nil
}

// result classifies the response status and extracts a refreshed session
// id, if any, from the Set-Cookie headers.
func (c *Client) result(resp *http.Response) (string, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrSignedOut
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{StatusCode: resp.StatusCode, Message: parseErrorBody(resp.Body)}
	}

	for _, cookie := range resp.Header.Values("Set-Cookie") {
		if strings.HasPrefix(cookie, sessionCookie) {
			value := cookie[len(sessionCookie):]
			if semi := strings.IndexByte(value, ';'); semi >= 0 {
				value = value[:semi]
			}
			return value, nil
		}
	}
	return "", nil
}

func parseCredentials(body io.Reader) ([]Credential, error) {
	var parsed struct {
		Credentials []Credential `json:"credentials"`
	}
	if err := decodeBody(body, "credential list", &parsed); err != nil {
		return nil, err
	}
	return parsed.Credentials, nil
}

// decodeBody parses a response body that the protocol requires to be
// non-empty. An empty body is a broken server contract, not a transient
// failure.
func decodeBody(body io.Reader, what string, v any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("error reading %s response: %w", what, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty response from %s", what)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("error parsing %s response: %w", what, err)
	}
	return nil
}

func parseErrorBody(body io.Reader) string {
	var envelope struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		slog.Debug("unparseable error body", "body", string(raw))
		return ""
	}
	return envelope.Error
}
