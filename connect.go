// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ConnectRequest is the payload of a scanned connection barcode: the
// server origin to switch to, an opaque request id to correlate the
// handshake, and a challenge to prove wallet ownership by signing.
type ConnectRequest struct {
	Origin    string
	RequestID string
	Challenge string
}

// ParseConnectRequest decodes a scanned barcode payload. Request ids
// appear in the wild both as JSON strings and as numbers; both are
// accepted and normalized to their textual form.
func ParseConnectRequest(payload []byte) (*ConnectRequest, error) {
	var raw struct {
		Origin    string `json:"origin"`
		RequestID any    `json:"requestId"`
		Challenge string `json:"challenge"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed connect payload: %w", err)
	}

	req := &ConnectRequest{Origin: raw.Origin, Challenge: raw.Challenge}
	switch id := raw.RequestID.(type) {
	case string:
		req.RequestID = id
	case json.Number:
		req.RequestID = id.String()
	case nil:
		return nil, errors.New("connect payload missing requestId")
	default:
		return nil, fmt.Errorf("connect payload has unsupported requestId type %T", raw.RequestID)
	}
	if req.RequestID == "" {
		return nil, errors.New("connect payload missing requestId")
	}
	if req.Challenge == "" {
		return nil, errors.New("connect payload missing challenge")
	}

	parsed, err := url.Parse(req.Origin)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("connect payload has invalid origin %q", req.Origin)
	}
	return req, nil
}
