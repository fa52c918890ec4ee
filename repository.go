// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/walletauth/go-walletauth/api"
	"github.com/walletauth/go-walletauth/store"
	"github.com/walletauth/go-walletauth/wallet"
)

// ErrNoLocalCredential is returned when a sign-in is attempted before any
// credential has been registered from this install.
var ErrNoLocalCredential = errors.New("no local credential registered")

// ErrNoAuthenticator is returned by the ceremony conveniences when no
// authenticator has been configured.
var ErrNoAuthenticator = errors.New("no authenticator configured")

const signedOutMessage = "Signed out by server"

// Repository drives the session/credential state machine: it orchestrates
// the session store, the remote auth client, the wallet account, and an
// external authenticator into the SignInState sequence
// SignedOut -> SigningIn -> SignedIn, with SignInError on forced
// sign-out.
//
// All state transitions are serialized by an internal mutex; the store and
// the session id have a single writer.
type Repository struct {
	api           *api.Client
	store         store.Store
	authenticator Authenticator

	mu      sync.Mutex
	account *wallet.Account
	origin  Origin
	states  *stateFeed
}

// New creates a Repository. The account is not loaded until Initialize.
func New(client *api.Client, st store.Store) *Repository {
	return &Repository{
		api:    client,
		store:  st,
		origin: Disconnected{},
		states: newStateFeed(),
	}
}

// SetAuthenticator configures the collaborator that fulfills WebAuthn
// ceremonies. It may be nil while no ceremony is running.
func (r *Repository) SetAuthenticator(a Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticator = a
}

// Account returns the wallet account, or nil before Initialize.
func (r *Repository) Account() *wallet.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account
}

// Origin returns the current connection target state.
func (r *Repository) Origin() Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin
}

// SetOrigin switches the repository to a server origin, as after scanning
// a barcode that names one.
func (r *Repository) SetOrigin(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origin = Connected{Base: base}
}

// WalletStatus derives the wallet view of the repository state.
func (r *Repository) WalletStatus() WalletState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.account == nil {
		return NoWallet{}
	}
	if connected, ok := r.origin.(Connected); ok {
		return WalletWithOrigin{Address: r.account.Address(), Origin: connected.Base}
	}
	return Wallet{Address: r.account.Address()}
}

// SignInStates subscribes to state transitions. The channel replays the
// current state first and conflates to the latest when the receiver lags.
func (r *Repository) SignInStates(ctx context.Context) <-chan SignInState {
	return r.states.subscribe(ctx)
}

// Credentials returns the last-fetched credential list. It is only
// meaningful while signed in.
func (r *Repository) Credentials(ctx context.Context) ([]api.Credential, error) {
	value, _, err := r.store.Read(ctx, store.KeyCredentials)
	if err != nil {
		return nil, err
	}
	return api.DecodeCredentialList(value)
}

// WatchCredentials delivers the credential list on every store commit.
func (r *Repository) WatchCredentials(ctx context.Context) <-chan []api.Credential {
	out := make(chan []api.Credential, 1)
	go func() {
		defer close(out)
		for snap := range r.store.Watch(ctx) {
			creds, err := api.DecodeCredentialList(snap[store.KeyCredentials])
			if err != nil {
				slog.Warn("dropping undecodable credential list", "error", err)
				continue
			}
			select {
			case out <- creds:
			default:
				select {
				case <-out:
				default:
				}
				out <- creds
			}
		}
	}()
	return out
}

// Initialize loads the persisted account, deriving and persisting a new
// one when no key material exists yet, then creates a server session. A
// non-empty mnemonic overrides generation for reproducible installs and is
// only consulted when no account is persisted.
func (r *Repository) Initialize(ctx context.Context, mnemonic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := r.readKey(ctx, store.KeyPrivateKey)
	if err != nil {
		return err
	}

	var account *wallet.Account
	switch {
	case persisted != "":
		account, err = wallet.AccountFromMnemonic(persisted)
		if err != nil {
			// The persisted identity cannot be reconstructed; nothing to
			// retry.
			return fmt.Errorf("persisted key material is corrupt: %w", err)
		}
	case mnemonic != "":
		account, err = wallet.AccountFromMnemonic(mnemonic)
		if err != nil {
			return err
		}
	default:
		account, err = wallet.NewAccount()
		if err != nil {
			return err
		}
	}

	err = r.store.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeyUsername, account.Address())
		tx.Set(store.KeyPublicKey, base64.RawURLEncoding.EncodeToString(account.PublicKey()))
		tx.Set(store.KeyPrivateKey, account.Mnemonic())
	})
	if err != nil {
		return fmt.Errorf("error persisting account: %w", err)
	}
	r.account = account
	slog.Debug("account ready", "address", account.Address())

	return r.createSessionLocked(ctx, account.Address())
}

// CreateSession starts a server session for a wallet address. On success
// the state proceeds to SignedIn and the credential list is refreshed.
func (r *Repository) CreateSession(ctx context.Context, walletAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createSessionLocked(ctx, walletAddr)
}

func (r *Repository) createSessionLocked(ctx context.Context, walletAddr string) error {
	sessionID, err := r.api.CreateSession(ctx, walletAddr, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return err
		}
		return api.ErrSignedOut
	}
	if err != nil {
		return err
	}

	err = r.store.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeyUsername, walletAddr)
		tx.Set(store.KeySessionID, sessionID)
	})
	if err != nil {
		return fmt.Errorf("error persisting session: %w", err)
	}
	r.states.emit(SignedIn{Username: walletAddr})

	if err := r.refreshLocked(ctx); err != nil && !errors.Is(err, api.ErrSignedOut) {
		slog.Warn("credential refresh after session create failed", "error", err)
	}
	return nil
}

// RefreshCredentials fetches the server's credential list, creating a
// session first when none is persisted. Transport failures are swallowed
// with a log line; a 401 forces local sign-out and is reported.
func (r *Repository) RefreshCredentials(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.refreshLocked(ctx)
	if err != nil && !errors.Is(err, api.ErrSignedOut) {
		slog.Warn("credential refresh failed", "error", err)
		return nil
	}
	return err
}

func (r *Repository) refreshLocked(ctx context.Context) error {
	username, err := r.readKey(ctx, store.KeyUsername)
	if err != nil {
		return err
	}
	if username == "" {
		slog.Debug("no persisted user; skipping credential refresh")
		return nil
	}

	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		if err := r.createSessionLocked(ctx, username); err != nil {
			return err
		}
		return nil
	}

	creds, newSessionID, err := r.api.GetKeys(ctx, sessionID, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return err
		}
		return api.ErrSignedOut
	}
	if err != nil {
		return err
	}
	return r.persistCredentialsLocked(ctx, creds, newSessionID, "")
}

// AttestationRequest fetches registration options from the server,
// creating a session first when none is persisted.
func (r *Repository) AttestationRequest(ctx context.Context) (*protocol.PublicKeyCredentialCreationOptions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, err := r.sessionOrCreateLocked(ctx)
	if err != nil {
		return nil, err
	}

	options, newSessionID, err := r.api.AttestationRequest(ctx, sessionID, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return nil, err
		}
		return nil, api.ErrSignedOut
	}
	if err != nil {
		return nil, err
	}
	if err := r.persistSessionLocked(ctx, newSessionID); err != nil {
		return nil, err
	}
	return options, nil
}

// AttestationResponse posts a completed registration ceremony and persists
// the refreshed credential list together with the new local credential id.
func (r *Repository) AttestationResponse(ctx context.Context, credential *api.AttestationCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		slog.Warn("no session; dropping attestation response")
		return nil
	}

	creds, newSessionID, err := r.api.AttestationResponse(ctx, sessionID, credential, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return err
		}
		return api.ErrSignedOut
	}
	if err != nil {
		return err
	}
	return r.persistCredentialsLocked(ctx, creds, newSessionID, credential.RawID)
}

// AssertionRequest fetches sign-in options for the locally registered
// credential. The persisted session is attached when present but is not
// required; without a local credential id the operation reports
// ErrNoLocalCredential.
func (r *Repository) AssertionRequest(ctx context.Context) (*protocol.PublicKeyCredentialRequestOptions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credentialID, err := r.readKey(ctx, store.KeyLocalCredentialID)
	if err != nil {
		return nil, err
	}
	if credentialID == "" {
		slog.Warn("no local credential id; cannot request assertion")
		return nil, ErrNoLocalCredential
	}
	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return nil, err
	}

	options, newSessionID, err := r.api.AssertionRequest(ctx, sessionID, credentialID, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		// Re-assertion is allowed without a session, so an invalid one is
		// not a forced sign-out here.
		slog.Warn("assertion request rejected for stale session")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := r.persistSessionLocked(ctx, newSessionID); err != nil {
		return nil, err
	}
	return options, nil
}

// AssertionResponse posts a completed sign-in ceremony, persists the
// refreshed credential list, and proceeds to SignedIn.
func (r *Repository) AssertionResponse(ctx context.Context, credential *api.AssertionCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		slog.Warn("no session; dropping assertion response")
		return nil
	}

	creds, newSessionID, err := r.api.AssertionResponse(ctx, sessionID, credential, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return err
		}
		return api.ErrSignedOut
	}
	if err != nil {
		return err
	}
	if err := r.persistCredentialsLocked(ctx, creds, newSessionID, credential.RawID); err != nil {
		return err
	}

	username, err := r.readKey(ctx, store.KeyUsername)
	if err != nil {
		return err
	}
	r.states.emit(SignedIn{Username: username})
	return nil
}

// Register runs the full registration ceremony: options from the server,
// a credential from the authenticator, and the response back to the
// server.
func (r *Repository) Register(ctx context.Context) error {
	authenticator := r.currentAuthenticator()
	if authenticator == nil {
		return ErrNoAuthenticator
	}
	options, err := r.AttestationRequest(ctx)
	if err != nil {
		return err
	}
	credential, err := authenticator.Attest(ctx, r.originString(), options)
	if err != nil {
		return fmt.Errorf("authenticator attestation failed: %w", err)
	}
	return r.AttestationResponse(ctx, credential)
}

// SignIn runs the full sign-in ceremony with the locally registered
// credential. SigningIn is only observable while a ceremony is actually in
// flight: without a local credential the state is left untouched, and a
// failed ceremony terminates in SignInError rather than dangling.
func (r *Repository) SignIn(ctx context.Context) error {
	authenticator := r.currentAuthenticator()
	if authenticator == nil {
		return ErrNoAuthenticator
	}

	options, err := r.AssertionRequest(ctx)
	if errors.Is(err, ErrNoLocalCredential) {
		// Nothing to sign in with; leave state untouched.
		return nil
	}
	if err != nil {
		return err
	}
	r.states.emit(SigningIn{})

	credential, err := authenticator.Assert(ctx, r.originString(), options)
	if err != nil {
		r.states.emit(SignInError{Message: "Sign-in failed"})
		return fmt.Errorf("authenticator assertion failed: %w", err)
	}
	if err := r.AssertionResponse(ctx, credential); err != nil {
		// A 401 already terminated in SignInError via forced sign-out.
		if !errors.Is(err, api.ErrSignedOut) {
			r.states.emit(SignInError{Message: "Sign-in failed"})
		}
		return err
	}
	return nil
}

// DeleteKey removes a credential server-side, then refreshes the local
// list so it reflects exactly the server state.
func (r *Repository) DeleteKey(ctx context.Context, credentialID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		slog.Warn("no session; cannot delete credential", "credential", credentialID)
		return nil
	}

	newSessionID, err := r.api.DeleteKey(ctx, sessionID, credentialID, r.originBase())
	if errors.Is(err, api.ErrSignedOut) {
		if err := r.forceSignOutLocked(ctx); err != nil {
			return err
		}
		return api.ErrSignedOut
	}
	if err != nil {
		return err
	}
	if err := r.persistSessionLocked(ctx, newSessionID); err != nil {
		return err
	}
	return r.refreshLocked(ctx)
}

// ConnectResponse answers a scanned connection handshake: it signs the
// challenge with the wallet key and submits it with the request id,
// authenticating this device against the scanned origin without a prior
// password step. On success the repository switches to that origin. A
// server rejection is returned as-is and leaves local state untouched.
func (r *Repository) ConnectResponse(ctx context.Context, req *ConnectRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.account == nil {
		return errors.New("no account; initialize first")
	}
	signature, err := r.account.Sign([]byte(req.Challenge))
	if err != nil {
		return fmt.Errorf("error signing connect challenge: %w", err)
	}

	sessionID, err := r.api.ConnectResponse(ctx, api.ConnectSubmission{
		RequestID: req.RequestID,
		Wallet:    r.account.Address(),
		Challenge: req.Challenge,
		Signature: base64.RawURLEncoding.EncodeToString(signature),
		PublicKey: base64.RawURLEncoding.EncodeToString(r.account.PublicKey()),
	}, req.Origin)
	if err != nil {
		return err
	}

	r.origin = Connected{Base: req.Origin}
	if sessionID == "" {
		return nil
	}
	err = r.store.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeyUsername, r.account.Address())
		tx.Set(store.KeySessionID, sessionID)
	})
	if err != nil {
		return fmt.Errorf("error persisting session: %w", err)
	}
	r.states.emit(SignedIn{Username: r.account.Address()})

	if err := r.refreshLocked(ctx); err != nil && !errors.Is(err, api.ErrSignedOut) {
		slog.Warn("credential refresh after connect failed", "error", err)
	}
	return nil
}

// Clear wipes the sign-in information and proceeds to SignedOut. Key
// material is retained: the wallet persists across sign-outs.
func (r *Repository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.clearSessionLocked(ctx); err != nil {
		return err
	}
	r.states.emit(SignedOut{})
	return nil
}

func (r *Repository) forceSignOutLocked(ctx context.Context) error {
	slog.Debug("forcing sign-out")
	if err := r.clearSessionLocked(ctx); err != nil {
		return err
	}
	r.states.emit(SignInError{Message: signedOutMessage})
	return nil
}

func (r *Repository) clearSessionLocked(ctx context.Context) error {
	err := r.store.Edit(ctx, func(tx *store.Tx) {
		tx.Delete(store.KeyUsername)
		tx.Delete(store.KeySessionID)
		tx.Delete(store.KeyCredentials)
	})
	if err != nil {
		return fmt.Errorf("error clearing session state: %w", err)
	}
	return nil
}

// persistCredentialsLocked stores a server-returned credential list, an
// optional refreshed session id, and an optional new local credential id
// in one atomic edit.
func (r *Repository) persistCredentialsLocked(ctx context.Context, creds []api.Credential, newSessionID, localCredentialID string) error {
	encoded, err := api.EncodeCredentialList(creds)
	if err != nil {
		return err
	}
	err = r.store.Edit(ctx, func(tx *store.Tx) {
		if newSessionID != "" {
			tx.Set(store.KeySessionID, newSessionID)
		}
		tx.Set(store.KeyCredentials, encoded)
		if localCredentialID != "" {
			tx.Set(store.KeyLocalCredentialID, localCredentialID)
		}
	})
	if err != nil {
		return fmt.Errorf("error persisting credentials: %w", err)
	}

	if localCredentialID == "" {
		localCredentialID, err = r.readKey(ctx, store.KeyLocalCredentialID)
		if err != nil {
			return err
		}
	}
	if localCredentialID != "" && !containsCredential(creds, localCredentialID) {
		slog.Warn("local credential missing from server list", "credential", localCredentialID)
	}
	return nil
}

func (r *Repository) persistSessionLocked(ctx context.Context, newSessionID string) error {
	if newSessionID == "" {
		return nil
	}
	err := r.store.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeySessionID, newSessionID)
	})
	if err != nil {
		return fmt.Errorf("error persisting session: %w", err)
	}
	return nil
}

func (r *Repository) sessionOrCreateLocked(ctx context.Context) (string, error) {
	sessionID, err := r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return "", err
	}
	if sessionID != "" {
		return sessionID, nil
	}

	username, err := r.readKey(ctx, store.KeyUsername)
	if err != nil {
		return "", err
	}
	if username == "" {
		if r.account == nil {
			return "", errors.New("no session and no account to create one for")
		}
		username = r.account.Address()
	}
	if err := r.createSessionLocked(ctx, username); err != nil {
		return "", err
	}
	sessionID, err = r.readKey(ctx, store.KeySessionID)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", errors.New("session creation did not yield a session id")
	}
	return sessionID, nil
}

func (r *Repository) readKey(ctx context.Context, key string) (string, error) {
	value, _, err := r.store.Read(ctx, key)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) currentAuthenticator() Authenticator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticator
}

// originBase is the origin override passed to the API client: empty while
// disconnected, which falls back to the client's configured base.
func (r *Repository) originBase() string {
	if connected, ok := r.origin.(Connected); ok {
		return connected.Base
	}
	return ""
}

// originString is the effective origin, for collaborators that need the
// literal value.
func (r *Repository) originString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connected, ok := r.origin.(Connected); ok {
		return connected.Base
	}
	return r.api.Base
}

func containsCredential(creds []api.Credential, id string) bool {
	for _, cred := range creds {
		if cred.ID == id {
			return true
		}
	}
	return false
}
