// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/walletauth/go-walletauth/api"
	"github.com/walletauth/go-walletauth/wallet"
)

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session request")
		return
	}
	if _, err := wallet.ParseAddress(body.Wallet); err != nil {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	s.userFor(body.Wallet)
	s.issueSession(w, body.Wallet)
	writeJSON(w, struct{}{})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	_, u := s.sessionFor(w, r)
	if u == nil {
		return
	}
	writeJSON(w, map[string][]api.Credential{"credentials": s.credentialList(u)})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	_, u := s.sessionFor(w, r)
	if u == nil {
		return
	}
	credentialID := mux.Vars(r)["credentialId"]

	s.mu.Lock()
	found := false
	for i, cred := range u.creds {
		if base64.RawURLEncoding.EncodeToString(cred.ID) == credentialID {
			u.creds = append(u.creds[:i], u.creds[i+1:]...)
			delete(s.credOwner, credentialID)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "unknown credential")
		return
	}
	writeJSON(w, map[string][]api.Credential{"credentials": s.credentialList(u)})
}

func (s *Server) attestationRequest(w http.ResponseWriter, r *http.Request) {
	sess, u := s.sessionFor(w, r)
	if u == nil {
		return
	}

	s.mu.Lock()
	exclusions := make([]protocol.CredentialDescriptor, 0, len(u.creds))
	for _, cred := range u.creds {
		exclusions = append(exclusions, cred.Descriptor())
	}
	s.mu.Unlock()

	creation, sessionData, err := s.wa.BeginRegistration(u,
		webauthn.WithCredentialParameters(credentialParameters()),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		slog.Error("begin registration", "wallet", u.wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "registration unavailable")
		return
	}

	s.mu.Lock()
	sess.registration = sessionData
	s.mu.Unlock()

	// The options are the whole response body, not wrapped in an outer
	// publicKey object.
	writeJSON(w, creation.Response)
}

func (s *Server) attestationResponse(w http.ResponseWriter, r *http.Request) {
	sess, u := s.sessionFor(w, r)
	if u == nil {
		return
	}

	s.mu.Lock()
	sessionData := sess.registration
	sess.registration = nil
	s.mu.Unlock()
	if sessionData == nil {
		writeError(w, http.StatusBadRequest, "no registration in progress")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed attestation: "+err.Error())
		return
	}
	cred, err := s.wa.CreateCredential(u, *sessionData, parsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, "attestation rejected: "+err.Error())
		return
	}

	s.mu.Lock()
	u.creds = append(u.creds, *cred)
	s.credOwner[base64.RawURLEncoding.EncodeToString(cred.ID)] = u.wallet
	s.mu.Unlock()

	slog.Debug("credential registered", "wallet", u.wallet)
	writeJSON(w, map[string][]api.Credential{"credentials": s.credentialList(u)})
}

func (s *Server) assertionRequest(w http.ResponseWriter, r *http.Request) {
	credentialID := mux.Vars(r)["credentialId"]
	rawID, err := base64.RawURLEncoding.DecodeString(credentialID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed credential id")
		return
	}

	s.mu.Lock()
	owner, ok := s.credOwner[credentialID]
	u := s.users[owner]
	s.mu.Unlock()
	if !ok || u == nil {
		writeError(w, http.StatusNotFound, "unknown credential")
		return
	}

	assertion, sessionData, err := s.wa.BeginLogin(u,
		webauthn.WithAllowedCredentials([]protocol.CredentialDescriptor{
			{Type: protocol.PublicKeyCredentialType, CredentialID: rawID},
		}),
	)
	if err != nil {
		slog.Error("begin login", "wallet", u.wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}

	// Re-assertion works without an authenticated session: a wallet that
	// proves possession of a registered credential gets a session issued
	// along the way.
	sess := s.currentSession(r, u.wallet)
	if sess == nil {
		sess = s.issueSession(w, u.wallet)
	}
	s.mu.Lock()
	sess.login = sessionData
	s.mu.Unlock()

	writeJSON(w, assertion.Response)
}

func (s *Server) assertionResponse(w http.ResponseWriter, r *http.Request) {
	sess, u := s.sessionFor(w, r)
	if u == nil {
		return
	}

	s.mu.Lock()
	sessionData := sess.login
	sess.login = nil
	s.mu.Unlock()
	if sessionData == nil {
		writeError(w, http.StatusBadRequest, "no login in progress")
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed assertion: "+err.Error())
		return
	}
	cred, err := s.wa.ValidateLogin(u, *sessionData, parsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, "assertion rejected: "+err.Error())
		return
	}

	s.mu.Lock()
	for i := range u.creds {
		if bytes.Equal(u.creds[i].ID, cred.ID) {
			u.creds[i] = *cred
			break
		}
	}
	s.mu.Unlock()

	slog.Debug("credential asserted", "wallet", u.wallet)
	writeJSON(w, map[string][]api.Credential{"credentials": s.credentialList(u)})
}

func (s *Server) connectRequest(w http.ResponseWriter, r *http.Request) {
	challenge, err := newChallenge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "challenge unavailable")
		return
	}
	requestID := uuid.NewString()

	s.mu.Lock()
	s.connects[requestID] = &connectPending{challenge: challenge}
	s.mu.Unlock()

	// This body, serialized, is what a barcode shown to the wallet holds.
	writeJSON(w, map[string]string{
		"requestId": requestID,
		"challenge": challenge,
		"origin":    s.wa.Config.RPOrigins[0],
	})
}

func (s *Server) connectResponse(w http.ResponseWriter, r *http.Request) {
	var sub api.ConnectSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "malformed connect response")
		return
	}

	s.mu.Lock()
	pending, ok := s.connects[sub.RequestID]
	delete(s.connects, sub.RequestID)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown connect request")
		return
	}
	if sub.Challenge != pending.challenge {
		writeError(w, http.StatusBadRequest, "challenge mismatch")
		return
	}

	pub, err := base64.RawURLEncoding.DecodeString(sub.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed public key")
		return
	}
	if wallet.EncodeAddress(pub) != sub.Wallet {
		writeError(w, http.StatusBadRequest, "wallet does not match public key")
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(sub.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}
	if !wallet.Verify(pub, []byte(sub.Challenge), sig) {
		writeError(w, http.StatusBadRequest, "signature does not verify")
		return
	}

	s.userFor(sub.Wallet)
	s.issueSession(w, sub.Wallet)
	slog.Debug("wallet connected", "wallet", sub.Wallet)
	writeJSON(w, struct{}{})
}

// currentSession returns the request's session when it exists and is
// bound to the given wallet.
func (s *Server) currentSession(r *http.Request, wallet string) *session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[cookie.Value]
	if !ok || sess.wallet != wallet {
		return nil
	}
	return sess
}

func (s *Server) credentialList(u *user) []api.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]api.Credential, 0, len(u.creds))
	for _, cred := range u.creds {
		list = append(list, api.Credential{
			ID:        base64.RawURLEncoding.EncodeToString(cred.ID),
			PublicKey: base64.RawURLEncoding.EncodeToString(cred.PublicKey),
		})
	}
	return list
}
