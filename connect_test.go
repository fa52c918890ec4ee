// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth_test

import (
	"testing"

	walletauth "github.com/walletauth/go-walletauth"
)

func TestParseConnectRequest(t *testing.T) {
	for _, test := range []struct {
		name      string
		payload   string
		requestID string
		fail      bool
	}{
		{
			name:      "string request id",
			payload:   `{"origin":"https://demo.example","requestId":"abc-123","challenge":"xyz"}`,
			requestID: "abc-123",
		},
		{
			name:      "numeric request id",
			payload:   `{"origin":"https://demo.example","requestId":982175,"challenge":"xyz"}`,
			requestID: "982175",
		},
		{
			name:      "large numeric request id keeps all digits",
			payload:   `{"origin":"https://demo.example","requestId":12345678901234567890,"challenge":"xyz"}`,
			requestID: "12345678901234567890",
		},
		{
			name:    "missing request id",
			payload: `{"origin":"https://demo.example","challenge":"xyz"}`,
			fail:    true,
		},
		{
			name:    "missing challenge",
			payload: `{"origin":"https://demo.example","requestId":"abc"}`,
			fail:    true,
		},
		{
			name:    "non-http origin",
			payload: `{"origin":"ftp://demo.example","requestId":"abc","challenge":"xyz"}`,
			fail:    true,
		},
		{
			name:    "empty origin",
			payload: `{"origin":"","requestId":"abc","challenge":"xyz"}`,
			fail:    true,
		},
		{
			name:    "not json",
			payload: `scanned a price tag`,
			fail:    true,
		},
		{
			name:    "boolean request id",
			payload: `{"origin":"https://demo.example","requestId":true,"challenge":"xyz"}`,
			fail:    true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			req, err := walletauth.ParseConnectRequest([]byte(test.payload))
			if test.fail {
				if err == nil {
					t.Fatalf("parsed %q without error", test.payload)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if req.RequestID != test.requestID {
				t.Errorf("request id %q, expected %q", req.RequestID, test.requestID)
			}
		})
	}
}
