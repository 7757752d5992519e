// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the TOML configuration for the pairwire daemon
// and CLI (SPEC_FULL.md §4.10), grounded on the teacher's
// client2/config.Logging/Debug/fixup/validate idiom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel      = "NOTICE"
	defaultRpcTimeout    = 30 * time.Second
	defaultPairingTTL    = 7 * 24 * time.Hour
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultStoragePath   = "pairwire.db"
	defaultRelayProtocol = "tcp"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG", "NOTICE":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level %q is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Relay describes how to reach the pairwire relay (spec.md §6's
// "relayProvider").
type Relay struct {
	// Protocol is the relay descriptor's protocol tag carried in every
	// pairing URI and subscription (relay.Descriptor.Protocol).
	Protocol string
	// Address is the relay's net.Dial address, consumed by
	// relay/nettransport.
	Address string
	// Params are opaque protocol-specific parameters (relay.Descriptor.Params).
	Params map[string]string
}

func (r *Relay) fixup() {
	if r.Protocol == "" {
		r.Protocol = defaultRelayProtocol
	}
}

// Debug holds timeouts and TTLs with no user-facing stability guarantee.
type Debug struct {
	// RpcTimeoutSeconds is the configured RPC timeout (spec.md §5
	// "defaults: 30s for RPCs"). Nothing in this repository reads it:
	// requests are bounded by the caller's context and settle waits by
	// client.DefaultSettleTimeout.
	RpcTimeoutSeconds int
	// PairingTTLSeconds and SessionTTLSeconds bound how long a settled
	// record lives before the subscription registry's sweep drops it
	// (spec.md §5 "TTLs per sequence for expiry").
	PairingTTLSeconds int
	SessionTTLSeconds int
}

func (d *Debug) fixup() {
	if d.RpcTimeoutSeconds == 0 {
		d.RpcTimeoutSeconds = int(defaultRpcTimeout.Seconds())
	}
	if d.PairingTTLSeconds == 0 {
		d.PairingTTLSeconds = int(defaultPairingTTL.Seconds())
	}
	if d.SessionTTLSeconds == 0 {
		d.SessionTTLSeconds = int(defaultSessionTTL.Seconds())
	}
}

// RpcTimeout returns Debug.RpcTimeoutSeconds as a time.Duration.
func (d *Debug) RpcTimeout() time.Duration {
	return time.Duration(d.RpcTimeoutSeconds) * time.Second
}

// PairingTTL returns Debug.PairingTTLSeconds as a time.Duration.
func (d *Debug) PairingTTL() time.Duration {
	return time.Duration(d.PairingTTLSeconds) * time.Second
}

// SessionTTL returns Debug.SessionTTLSeconds as a time.Duration.
func (d *Debug) SessionTTL() time.Duration {
	return time.Duration(d.SessionTTLSeconds) * time.Second
}

// Config is the top-level pairwire daemon/CLI configuration (spec.md §6
// "Configuration options": overrideContext, relayProvider, storage,
// storageOptions, logger).
type Config struct {
	// OverrideContext matches spec.md §6's overrideContext knob. It is
	// loaded from the config file but nothing in this repository reads
	// it; advertised Metadata and storage keys do not include it.
	OverrideContext string

	// StoragePath is the bbolt database file path (spec.md §6
	// "storageOptions").
	StoragePath string

	Relay   Relay
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults and validates every section, following
// the teacher's FixupAndValidate idiom.
func (c *Config) FixupAndValidate() error {
	if c.StoragePath == "" {
		c.StoragePath = defaultStoragePath
	}
	c.Relay.fixup()

	if c.Logging == nil {
		logging := defaultLogging
		c.Logging = &logging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.fixup()

	return nil
}

// Load parses and validates b as a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the config file at path f.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
