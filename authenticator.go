// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/walletauth/go-walletauth/api"
)

// Authenticator produces credential responses for server-issued WebAuthn
// challenges. Implementations wrap a platform FIDO2 API or a software key
// store; the repository treats the option blobs as opaque and forwards
// them verbatim.
type Authenticator interface {
	// Attest performs a registration ceremony for the given options.
	Attest(ctx context.Context, origin string, options *protocol.PublicKeyCredentialCreationOptions) (*api.AttestationCredential, error)

	// Assert performs a sign-in ceremony for the given options.
	Assert(ctx context.Context, origin string, options *protocol.PublicKeyCredentialRequestOptions) (*api.AssertionCredential, error)
}
