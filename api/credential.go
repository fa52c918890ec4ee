// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package api

import (
	"encoding/json"
	"fmt"
)

// EncodeCredentialList serializes a credential list for the session store,
// preserving server order.
func EncodeCredentialList(creds []Credential) (string, error) {
	if creds == nil {
		creds = []Credential{}
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("error encoding credential list: %w", err)
	}
	return string(raw), nil
}

// DecodeCredentialList parses a stored credential list. An empty value
// decodes to an empty list.
func DecodeCredentialList(value string) ([]Credential, error) {
	if value == "" {
		return nil, nil
	}
	var creds []Credential
	if err := json.Unmarshal([]byte(value), &creds); err != nil {
		return nil, fmt.Errorf("error decoding credential list: %w", err)
	}
	return creds, nil
}
