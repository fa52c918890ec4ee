// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"flag"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/walletauth/go-walletauth/server"
)

var serverFlags = flag.NewFlagSet("server", flag.ContinueOnError)

var (
	addr   string
	extURL string
	rpID   string
	rpName string
)

func init() {
	serverFlags.StringVar(&addr, "http", "localhost:8080", "The `addr`ess to listen on")
	serverFlags.StringVar(&extURL, "ext-url", "", "External `url` clients connect with (default \"http://${LISTEN_ADDR}\")")
	serverFlags.StringVar(&rpID, "rp-id", "", "Relying party `id` (default: external URL hostname)")
	serverFlags.StringVar(&rpName, "rp-name", "walletauth", "Relying party display `name`")
	serverFlags.BoolVar(&debug, "debug", debug, "Print HTTP request logging")
}

func runServer() error {
	if debug {
		level.Set(slog.LevelDebug)
	}

	if extURL == "" {
		extURL = "http://" + addr
	}
	if rpID == "" {
		parsed, err := url.Parse(extURL)
		if err != nil {
			return err
		}
		rpID = parsed.Hostname()
	}

	handler, err := server.New(server.Config{
		RPID:        rpID,
		DisplayName: rpName,
		Origins:     []string{extURL},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()
	slog.Info("Listening", "local", lis.Addr().String(), "external", extURL, "rpId", rpID)

	return srv.Serve(lis)
}
