// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// pairwired is the long-running pairwire daemon: it opens the storage
// file, dials the relay, rehydrates pending/settled sequences, and serves
// until signalled to stop (SPEC_FULL.md §4.11, grounded on
// client2/cmd/kpclientd/main.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/pairwire/pairwire/client"
	pairwireconfig "github.com/pairwire/pairwire/config"
	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/internal/corelog"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/relay/nettransport"
	"github.com/pairwire/pairwire/store/boltstore"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "c", "", "configuration file")
	version := flag.Bool("v", false, "Get version info.")
	flag.Parse()

	if *version {
		fmt.Printf("version is %s\n", versioninfo.Short())
		return
	}
	if configFile == "" {
		fmt.Fprintln(os.Stderr, "pairwired: -c <configfile> is required")
		os.Exit(1)
	}

	cfg, err := pairwireconfig.LoadFile(configFile)
	if err != nil {
		panic(err)
	}

	backend, err := corelog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		panic(err)
	}
	logger := backend.GetLogger("pairwired")

	st, err := boltstore.Open(cfg.StoragePath)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	transport := nettransport.New(cfg.Relay.Address, logger)
	transport.Start()
	defer transport.Halt()

	rpc := relay.NewClient(transport, x25519glue.Default, nil, logger)
	registry := relay.NewRegistry(rpc, 0, logger)
	registry.Start()
	defer registry.Halt()

	relayDescriptor := relay.Descriptor{Protocol: cfg.Relay.Protocol, Params: cfg.Relay.Params}
	c := client.New(registry, st, x25519glue.Default, client.Options{
		PairingRelay: relayDescriptor,
		SessionRelay: relayDescriptor,
		PairingTTL:   cfg.Debug.PairingTTL(),
		SessionTTL:   cfg.Debug.SessionTTL(),
		Logger:       logger,
	})
	defer c.Halt()

	if err := c.Init(context.Background()); err != nil {
		logger.Errorf("pairwired: init: %v", err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	logger.Notice("pairwired: shutting down")
}
