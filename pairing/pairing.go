// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pairing is the Pairing specialisation of the generic sequence
// controller (spec.md §4.4): its parent topic is a freshly generated
// proposal topic carried out-of-band in a pairing URI, its signal method
// is "uri", and a settled pairing only ever accepts the session-proposal
// method from its peer.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/sequence"
	"github.com/pairwire/pairwire/store"
	"github.com/pairwire/pairwire/wireuri"
)

// uriVersion is the version field of a pairwire pairing URI (spec.md §6).
const uriVersion = 2

// DefaultTTL is how long a pairing lives before its sweep-driven expiry,
// absent an explicit override from config.
const DefaultTTL = 7 * 24 * time.Hour

// MetadataProvider is the getPairingMetadata collaborator of spec.md §4.4:
// a runtime-environment hook that enriches the peer's metadata once a
// pairing settles.
type MetadataProvider func() sequence.Metadata

// Options configures a Pairing controller.
type Options struct {
	Relay            relay.Descriptor
	TTL              time.Duration
	EnrichPeerMetadata MetadataProvider
	Logger           *logging.Logger
}

// Pairing wraps a generic sequence.Controller configured with the Pairing
// specialisation's constants.
type Pairing struct {
	ctrl  *sequence.Controller
	relay relay.Descriptor
}

// defaultPermissions restricts a settled pairing to the session-proposal
// method, per spec.md §4.4 ("allowed methods ... restricted to
// session-related JSON-RPC").
func defaultPermissions() sequence.Permissions {
	return sequence.Permissions{Methods: []string{string(jsonrpc.MethodSessionPropose)}}
}

// New constructs a Pairing controller, registering it with registry as the
// dispatcher for store.KindPairing topics.
func New(registry *relay.Registry, st store.Store, keyAgree crypto.KeyAgreement, bus *events.Bus, opts Options) *Pairing {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg := sequence.Config{
		Kind:               store.KindPairing,
		DefaultTTL:         ttl,
		MethodPropose:      jsonrpc.MethodPairingPropose,
		MethodApprove:      jsonrpc.MethodPairingApprove,
		MethodReject:       jsonrpc.MethodPairingReject,
		MethodUpdate:       jsonrpc.MethodPairingUpdate,
		MethodDelete:       jsonrpc.MethodPairingDelete,
		MethodPing:         jsonrpc.MethodPairingPing,
		MethodPayload:      jsonrpc.MethodPairingPayload,
		DefaultPermissions: defaultPermissions(),
		EventProposal:      events.PairingProposal,
		EventCreated:       events.PairingCreated,
		EventUpdated:       events.PairingUpdated,
		EventDeleted:       events.PairingDeleted,
		EventPayload:       events.PairingPayload,
	}
	if opts.EnrichPeerMetadata != nil {
		cfg.EnrichPeerMetadata = func() sequence.Metadata { return opts.EnrichPeerMetadata() }
	}
	return &Pairing{
		ctrl:  sequence.New(cfg, registry, st, keyAgree, bus, opts.Logger),
		relay: opts.Relay,
	}
}

// Create implements spec.md §4.4's "create": generate a fresh proposal
// topic, publish the propose envelope, and format the pairing URI the
// peer consumes out-of-band to call Pair.
func (p *Pairing) Create(ctx context.Context, selfMeta sequence.Metadata) (uri string, pending *sequence.Pending, err error) {
	topic, err := randomTopic()
	if err != nil {
		return "", nil, fmt.Errorf("pairing: generate topic: %w", err)
	}

	pending, err = p.ctrl.Create(ctx, topic, p.relay, defaultPermissions(), selfMeta)
	if err != nil {
		return "", nil, err
	}

	u := &wireuri.URI{
		Topic:      topic,
		Version:    uriVersion,
		PublicKey:  hex.EncodeToString(pending.Self.PublicKey[:]),
		Controller: pending.Controller,
		Relay:      wireuri.Relay{Protocol: p.relay.Protocol, Params: p.relay.Params},
	}
	return wireuri.Format(u), pending, nil
}

// Pair implements spec.md §4.4's peer-side entry point: parse uri and
// subscribe to its topic, awaiting the proposer's propose envelope.
func (p *Pairing) Pair(ctx context.Context, uri string) (string, error) {
	u, err := wireuri.Parse(uri)
	if err != nil {
		return "", err
	}
	relayDesc := relay.Descriptor{Protocol: u.Relay.Protocol, Params: u.Relay.Params}
	if err := p.ctrl.AwaitProposal(ctx, u.Topic, relayDesc); err != nil {
		return "", err
	}
	return u.Topic, nil
}

// Approve implements spec.md §4.3.1 "respond" with approved=true.
func (p *Pairing) Approve(ctx context.Context, topic string) (*sequence.Record, error) {
	return p.ctrl.Respond(ctx, topic, true, "")
}

// Reject implements spec.md §4.3.1 "respond" with approved=false.
func (p *Pairing) Reject(ctx context.Context, topic string, reason string) error {
	_, err := p.ctrl.Respond(ctx, topic, false, reason)
	return err
}

// Update implements spec.md §4.3.1 "update".
func (p *Pairing) Update(ctx context.Context, topic string, metadata *sequence.Metadata) (*sequence.Record, error) {
	return p.ctrl.Update(ctx, topic, metadata, nil)
}

// Delete implements spec.md §4.3.1 "delete".
func (p *Pairing) Delete(ctx context.Context, topic, reason string) error {
	return p.ctrl.Delete(ctx, topic, reason)
}

// Get implements spec.md §4.3.1 "get".
func (p *Pairing) Get(topic string) (*sequence.Record, error) {
	return p.ctrl.Get(topic)
}

// Init implements spec.md §4.3.1 "init".
func (p *Pairing) Init(ctx context.Context) error {
	return p.ctrl.Init(ctx)
}

// Controller exposes the underlying generic controller for the facade's
// cross-wiring (spec.md §4.6's "on pairing.payload carrying the
// session-proposal method").
func (p *Pairing) Controller() *sequence.Controller {
	return p.ctrl
}

func randomTopic() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
