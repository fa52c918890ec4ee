// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package server implements the relying-party side of the wallet auth
// protocol: session issuance, WebAuthn attestation and assertion
// ceremonies, credential listing, and the barcode connect handshake.
//
// State is held in memory. The package exists to give clients a complete
// counterpart to talk to, not to be a hardened deployment target.
package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const sessionCookieName = "connect.sid"

// Config carries the relying-party identity used to scope credentials.
type Config struct {
	// RPID is the relying party id, the registrable domain credentials
	// are bound to.
	RPID string

	// DisplayName is shown by authenticators during ceremonies.
	DisplayName string

	// Origins are the web origins ceremonies may be completed from. The
	// first origin is advertised in connect barcodes.
	Origins []string
}

// Server handles the wallet auth HTTP endpoints.
type Server struct {
	wa     *webauthn.WebAuthn
	router *mux.Router

	mu        sync.Mutex
	users     map[string]*user           // wallet address -> user
	sessions  map[string]*session        // session id -> session
	credOwner map[string]string          // credential id (base64url) -> wallet address
	connects  map[string]*connectPending // request id -> issued challenge
}

type session struct {
	wallet       string
	registration *webauthn.SessionData
	login        *webauthn.SessionData
}

type connectPending struct {
	challenge string
}

// user implements webauthn.User. The wallet address doubles as the user
// handle: one wallet, one user.
type user struct {
	wallet string
	creds  []webauthn.Credential
}

func (u *user) WebAuthnID() []byte                         { return []byte(u.wallet) }
func (u *user) WebAuthnName() string                       { return u.wallet }
func (u *user) WebAuthnDisplayName() string                { return u.wallet }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// New creates a server for the given relying-party identity.
func New(cfg Config) (*Server, error) {
	if cfg.RPID == "" || len(cfg.Origins) == 0 {
		return nil, fmt.Errorf("relying party id and origins are required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.RPID
	}

	s := &Server{
		wa: &webauthn.WebAuthn{
			Config: &webauthn.Config{
				RPDisplayName: cfg.DisplayName,
				RPID:          cfg.RPID,
				RPOrigins:     cfg.Origins,
				AuthenticatorSelection: protocol.AuthenticatorSelection{
					AuthenticatorAttachment: protocol.Platform,
					UserVerification:        protocol.VerificationRequired,
				},
				AttestationPreference: protocol.PreferNoAttestation,
			},
		},
		users:     make(map[string]*user),
		sessions:  make(map[string]*session),
		credOwner: make(map[string]string),
		connects:  make(map[string]*connectPending),
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/session", s.createSession).Methods(http.MethodPost)
	r.HandleFunc("/auth/keys", s.listKeys).Methods(http.MethodGet)
	r.HandleFunc("/auth/keys/{credentialId}", s.deleteKey).Methods(http.MethodDelete)
	r.HandleFunc("/attestation/request", s.attestationRequest).Methods(http.MethodPost)
	r.HandleFunc("/attestation/response", s.attestationResponse).Methods(http.MethodPost)
	r.HandleFunc("/assertion/request/{credentialId}", s.assertionRequest).Methods(http.MethodPost)
	r.HandleFunc("/assertion/response", s.assertionResponse).Methods(http.MethodPost)
	r.HandleFunc("/connect/request", s.connectRequest).Methods(http.MethodPost)
	r.HandleFunc("/connect/response", s.connectResponse).Methods(http.MethodPost)
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("request", "method", r.Method, "path", r.URL.Path)
	s.router.ServeHTTP(w, r)
}

// credentialParameters restricts registrations to the algorithms the
// wallet side can produce, EdDSA first.
func credentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	}
}

// sessionFor resolves the request's session cookie. A nil session means
// the response has already been written as 401.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*session, *user) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[cookie.Value]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return nil, nil
	}
	return sess, s.users[sess.wallet]
}

// issueSession creates a session bound to a wallet and sets its cookie.
func (s *Server) issueSession(w http.ResponseWriter, wallet string) *session {
	sid := uuid.NewString()
	sess := &session{wallet: wallet}
	s.mu.Lock()
	s.sessions[sid] = sess
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
	})
	return sess
}

func (s *Server) userFor(wallet string) *user {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[wallet]
	if !ok {
		u = &user{wallet: wallet}
		s.users[wallet] = u
	}
	return u
}

func newChallenge() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("error generating challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.Error("error writing error response", "error", err)
	}
}
