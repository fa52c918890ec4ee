// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	walletauth "github.com/walletauth/go-walletauth"
	"github.com/walletauth/go-walletauth/api"
	"github.com/walletauth/go-walletauth/server"
	"github.com/walletauth/go-walletauth/softauth"
	"github.com/walletauth/go-walletauth/store"
)

// newRepo wires a repository with a software authenticator against a real
// relying-party server.
func newRepo(t *testing.T) (*walletauth.Repository, store.Store, *httptest.Server) {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(server.Config{RPID: base.Hostname(), Origins: []string{ts.URL}})
	if err != nil {
		t.Fatal(err)
	}
	handler = srv

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	repo := walletauth.New(&api.Client{Base: ts.URL}, st)
	repo.SetAuthenticator(softauth.New())
	return repo, st, ts
}

func nextState(t *testing.T, states <-chan walletauth.SignInState) walletauth.SignInState {
	t.Helper()
	select {
	case state := <-states:
		return state
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sign-in state")
		return nil
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	repo, st, _ := newRepo(t)

	if status := repo.WalletStatus(); status != (walletauth.NoWallet{}) {
		t.Errorf("wallet status before initialize: %v", status)
	}

	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	account := repo.Account()
	if account == nil {
		t.Fatal("no account after initialize")
	}
	if status := repo.WalletStatus(); status != (walletauth.Wallet{Address: account.Address()}) {
		t.Errorf("wallet status %v, expected wallet with address", status)
	}

	state := nextState(t, repo.SignInStates(ctx))
	if signedIn, ok := state.(walletauth.SignedIn); !ok || signedIn.Username != account.Address() {
		t.Errorf("state after initialize %v, expected SignedIn as the wallet address", state)
	}

	mnemonic, _, err := st.Read(ctx, store.KeyPrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if mnemonic != account.Mnemonic() {
		t.Error("persisted mnemonic does not match account")
	}
}

func TestInitializeIsDeterministic(t *testing.T) {
	ctx := context.Background()
	repo, st, ts := newRepo(t)

	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	address := repo.Account().Address()

	repo2 := walletauth.New(&api.Client{Base: ts.URL}, st)
	if err := repo2.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if repo2.Account().Address() != address {
		t.Error("reinitialize from the same store derived a different account")
	}
}

func TestInitializeWithMnemonic(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)

	const mnemonic = "legal winner thank year wave sausage worth useful legal winner thank year wave sausage worth useful legal winner thank year wave sausage worth title"
	if err := repo.Initialize(ctx, mnemonic); err != nil {
		t.Fatal(err)
	}
	address := repo.Account().Address()

	other, _, _ := newRepo(t)
	if err := other.Initialize(ctx, mnemonic); err != nil {
		t.Fatal(err)
	}
	if other.Account().Address() != address {
		t.Error("same mnemonic derived different addresses")
	}
}

func TestRegisterThenSignIn(t *testing.T) {
	ctx := context.Background()
	repo, st, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	states := repo.SignInStates(watchCtx)
	nextState(t, states) // replayed SignedIn from initialize

	if err := repo.Register(ctx); err != nil {
		t.Fatal(err)
	}
	creds, err := repo.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 {
		t.Fatalf("%d credentials after register, expected 1", len(creds))
	}
	localID, _, err := st.Read(ctx, store.KeyLocalCredentialID)
	if err != nil {
		t.Fatal(err)
	}
	if localID != creds[0].ID {
		t.Errorf("local credential id %q not in server list %v", localID, creds)
	}

	if err := repo.SignIn(ctx); err != nil {
		t.Fatal(err)
	}
	// The channel conflates, so the intermediate SigningIn may or may not
	// still be observable.
	state := nextState(t, states)
	if _, ok := state.(walletauth.SigningIn); ok {
		state = nextState(t, states)
	}
	if signedIn, ok := state.(walletauth.SignedIn); !ok || signedIn.Username != repo.Account().Address() {
		t.Errorf("state after sign-in %v, expected SignedIn", state)
	}
}

func TestSignInWithoutLocalCredential(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	// No credential registered yet: sign-in is a quiet no-op.
	if err := repo.SignIn(ctx); err != nil {
		t.Fatal(err)
	}
	// The no-op must leave the observable state where it was; it must not
	// dangle in SigningIn.
	state := nextState(t, repo.SignInStates(ctx))
	if signedIn, ok := state.(walletauth.SignedIn); !ok || signedIn.Username != repo.Account().Address() {
		t.Errorf("state after no-op sign-in %v, expected SignedIn to be retained", state)
	}
}

// failingAuthenticator refuses every ceremony, like a dismissed prompt.
type failingAuthenticator struct{}

func (failingAuthenticator) Attest(context.Context, string, *protocol.PublicKeyCredentialCreationOptions) (*api.AttestationCredential, error) {
	return nil, errors.New("ceremony dismissed")
}

func (failingAuthenticator) Assert(context.Context, string, *protocol.PublicKeyCredentialRequestOptions) (*api.AssertionCredential, error) {
	return nil, errors.New("ceremony dismissed")
}

func TestSignInCeremonyFailureTerminatesState(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.Register(ctx); err != nil {
		t.Fatal(err)
	}

	repo.SetAuthenticator(failingAuthenticator{})
	if err := repo.SignIn(ctx); err == nil {
		t.Fatal("expected error when the authenticator refuses the ceremony")
	}
	state := nextState(t, repo.SignInStates(ctx))
	if signInErr, ok := state.(walletauth.SignInError); !ok || signInErr.Message != "Sign-in failed" {
		t.Errorf("state after failed ceremony %v, expected SignInError", state)
	}
}

func TestCreateSessionUnauthorized(t *testing.T) {
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	t.Cleanup(ts.Close)

	repo := walletauth.New(&api.Client{Base: ts.URL}, store.NewMemory())
	states := repo.SignInStates(ctx)
	nextState(t, states) // replayed initial SignedOut

	if err := repo.CreateSession(ctx, "WALLET"); !errors.Is(err, api.ErrSignedOut) {
		t.Fatalf("got %v, expected ErrSignedOut", err)
	}
	state := nextState(t, states)
	if signInErr, ok := state.(walletauth.SignInError); !ok || signInErr.Message != "Signed out by server" {
		t.Errorf("state after rejected session create %v, expected SignInError", state)
	}
}

func TestDeleteKey(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.Register(ctx); err != nil {
		t.Fatal(err)
	}
	if err := repo.Register(ctx); err != nil {
		t.Fatal(err)
	}
	creds, err := repo.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 {
		t.Fatalf("%d credentials after two registrations, expected 2", len(creds))
	}

	if err := repo.DeleteKey(ctx, creds[0].ID); err != nil {
		t.Fatal(err)
	}
	creds, err = repo.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 {
		t.Fatalf("%d credentials after delete, expected 1", len(creds))
	}
}

func TestWatchCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo, _, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}

	watch := repo.WatchCredentials(ctx)
	if err := repo.Register(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case creds := <-watch:
			if len(creds) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the registered credential to be observed")
		}
	}
}

func TestConnectResponse(t *testing.T) {
	ctx := context.Background()
	repo, _, ts := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/connect/request", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	req, err := walletauth.ParseConnectRequest(payload)
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.ConnectResponse(ctx, req); err != nil {
		t.Fatal(err)
	}
	if origin := repo.Origin(); origin != (walletauth.Connected{Base: ts.URL}) {
		t.Errorf("origin %v after connect, expected %q", origin, ts.URL)
	}
	status := repo.WalletStatus()
	withOrigin, ok := status.(walletauth.WalletWithOrigin)
	if !ok || withOrigin.Origin != ts.URL {
		t.Errorf("wallet status %v, expected wallet with origin", status)
	}
}

func TestConnectResponseRejectionLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)
	if err := repo.Initialize(ctx, ""); err != nil {
		t.Fatal(err)
	}

	err := repo.ConnectResponse(ctx, &walletauth.ConnectRequest{
		Origin:    "http://unreachable.invalid",
		RequestID: "bogus",
		Challenge: "challenge",
	})
	if err == nil {
		t.Fatal("expected error connecting to an unreachable origin")
	}
	if origin := repo.Origin(); origin != (walletauth.Disconnected{}) {
		t.Errorf("origin %v after failed connect, expected Disconnected", origin)
	}
}

func TestForcedSignOut(t *testing.T) {
	ctx := context.Background()

	// A server whose sessions have all expired: every keys fetch is a 401.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	t.Cleanup(ts.Close)

	st := store.NewMemory()
	err := st.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeyUsername, "WALLET")
		tx.Set(store.KeySessionID, "stale")
		tx.Set(store.KeyCredentials, `[{"credId":"a","publicKey":"b"}]`)
		tx.Set(store.KeyPrivateKey, "some mnemonic")
	})
	if err != nil {
		t.Fatal(err)
	}
	repo := walletauth.New(&api.Client{Base: ts.URL}, st)

	states := repo.SignInStates(ctx)
	nextState(t, states) // replayed initial SignedOut

	if err := repo.RefreshCredentials(ctx); err != api.ErrSignedOut {
		t.Fatalf("got %v, expected ErrSignedOut", err)
	}

	state := nextState(t, states)
	signInErr, ok := state.(walletauth.SignInError)
	if !ok || signInErr.Message != "Signed out by server" {
		t.Errorf("state after forced sign-out %v, expected SignInError", state)
	}

	snap, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{store.KeyUsername, store.KeySessionID, store.KeyCredentials} {
		if _, ok := snap[key]; ok {
			t.Errorf("%s still present after forced sign-out", key)
		}
	}
	// Sign-out never destroys the wallet itself.
	if snap[store.KeyPrivateKey] != "some mnemonic" {
		t.Error("key material was wiped by forced sign-out")
	}
}

func TestRefreshSwallowsTransientFailures(t *testing.T) {
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(ts.Close)

	st := store.NewMemory()
	err := st.Edit(ctx, func(tx *store.Tx) {
		tx.Set(store.KeyUsername, "WALLET")
		tx.Set(store.KeySessionID, "sid")
	})
	if err != nil {
		t.Fatal(err)
	}
	repo := walletauth.New(&api.Client{Base: ts.URL}, st)

	if err := repo.RefreshCredentials(ctx); err != nil {
		t.Fatalf("transient server failure surfaced as %v, expected nil", err)
	}
	// The session survives a transient failure.
	if sid, _, _ := st.Read(ctx, store.KeySessionID); sid != "sid" {
		t.Error("session cleared on a transient failure")
	}
}

func TestRegisterWithoutAuthenticator(t *testing.T) {
	repo := walletauth.New(&api.Client{Base: "http://unused.invalid"}, store.NewMemory())
	if err := repo.Register(context.Background()); err != walletauth.ErrNoAuthenticator {
		t.Errorf("got %v, expected ErrNoAuthenticator", err)
	}
	if err := repo.SignIn(context.Background()); err != walletauth.ErrNoAuthenticator {
		t.Errorf("got %v, expected ErrNoAuthenticator", err)
	}
}
