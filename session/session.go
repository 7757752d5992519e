// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session is the Session specialisation of the generic sequence
// controller (spec.md §4.5): its parent topic is a settled pairing, its
// signal method is "pairing{topic}", and a settled session carries
// arbitrary application JSON-RPC bidirectionally.
package session

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
	"github.com/pairwire/pairwire/pairing"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/sequence"
	"github.com/pairwire/pairwire/store"
)

// DefaultTTL is how long a session lives before its sweep-driven expiry,
// absent an explicit override from config.
const DefaultTTL = 7 * 24 * time.Hour

// State is the session-specific mutable payload of spec.md §3: the
// chain-qualified account list the peer exposes, SPEC_FULL.md §4.5's
// concrete shape for the otherwise-unshaped "session-specific mutable
// payload".
type State struct {
	Accounts []string `cbor:"accounts,omitempty" codec:"accounts,omitempty"`
}

// SignalParams is the body of the "pairing{topic}" signal of spec.md
// §4.5: sent as an application JSON-RPC payload over an already-settled
// pairing topic, pointing the peer at the freshly generated session
// proposal topic so it can AwaitProposal there.
type SignalParams struct {
	Topic string           `codec:"topic"`
	Relay relay.Descriptor `codec:"relay"`
}

// Options configures a Session controller.
type Options struct {
	Relay  relay.Descriptor
	TTL    time.Duration
	Logger *logging.Logger
}

// Session wraps a generic sequence.Controller configured with the Session
// specialisation's constants.
type Session struct {
	ctrl  *sequence.Controller
	relay relay.Descriptor
}

// New constructs a Session controller, registering it with registry as
// the dispatcher for store.KindSession topics.
func New(registry *relay.Registry, st store.Store, keyAgree crypto.KeyAgreement, bus *events.Bus, opts Options) *Session {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg := sequence.Config{
		Kind:               store.KindSession,
		DefaultTTL:         ttl,
		MethodPropose:      jsonrpc.MethodSessionPropose,
		MethodApprove:      jsonrpc.MethodSessionApprove,
		MethodReject:       jsonrpc.MethodSessionReject,
		MethodUpdate:       jsonrpc.MethodSessionUpdate,
		MethodDelete:       jsonrpc.MethodSessionDelete,
		MethodPing:         jsonrpc.MethodSessionPing,
		MethodPayload:      jsonrpc.MethodSessionPayload,
		MethodNotify:       jsonrpc.MethodSessionNotify,
		MethodUpgrade:      jsonrpc.MethodSessionUpgrade,
		DefaultPermissions: sequence.Permissions{},
		EventProposal:      events.SessionProposal,
		EventCreated:       events.SessionCreated,
		EventUpdated:       events.SessionUpdated,
		EventUpgraded:      events.SessionUpgraded,
		EventDeleted:       events.SessionDeleted,
		EventPayload:       events.SessionPayload,
		EventNotification:  events.SessionNotification,
	}
	return &Session{
		ctrl:  sequence.New(cfg, registry, st, keyAgree, bus, opts.Logger),
		relay: opts.Relay,
	}
}

// Propose implements spec.md §4.5's proposer side: generate a fresh
// session proposal topic, publish the session's own propose envelope
// there, and signal the peer via an app payload on the already-settled
// pairing topic so it knows where to AwaitProposal.
func (s *Session) Propose(ctx context.Context, p *pairing.Pairing, pairingTopic string, permissions sequence.Permissions, selfMeta sequence.Metadata) (*sequence.Pending, error) {
	if len(permissions.Methods) == 0 {
		return nil, fmt.Errorf("session: permissions.methods must be non-empty")
	}

	topic, err := randomTopic()
	if err != nil {
		return nil, fmt.Errorf("session: generate topic: %w", err)
	}

	pending, err := s.ctrl.Create(ctx, topic, s.relay, permissions, selfMeta)
	if err != nil {
		return nil, err
	}

	if _, err := p.Controller().Request(ctx, pairingTopic, jsonrpc.MethodSessionPropose, SignalParams{Topic: topic, Relay: s.relay}); err != nil {
		return nil, err
	}
	return pending, nil
}

// AwaitProposal implements the responder side of spec.md §4.5's signal:
// subscribe to a session proposal topic named by an inbound
// "pairing{topic}" signal, before the session's own propose envelope has
// arrived.
func (s *Session) AwaitProposal(ctx context.Context, topic string, relayDesc relay.Descriptor) error {
	return s.ctrl.AwaitProposal(ctx, topic, relayDesc)
}

// Approve implements spec.md §4.3.1 "respond" with approved=true.
func (s *Session) Approve(ctx context.Context, topic string) (*sequence.Record, error) {
	return s.ctrl.Respond(ctx, topic, true, "")
}

// Reject implements spec.md §4.3.1 "respond" with approved=false.
func (s *Session) Reject(ctx context.Context, topic string, reason string) error {
	_, err := s.ctrl.Respond(ctx, topic, false, reason)
	return err
}

// Update implements spec.md §4.3.1 "update", merging peer metadata and/or
// session state (accounts).
func (s *Session) Update(ctx context.Context, topic string, metadata *sequence.Metadata, state *State) (*sequence.Record, error) {
	var statePayload interface{}
	if state != nil {
		statePayload = state
	}
	return s.ctrl.Update(ctx, topic, metadata, statePayload)
}

// Upgrade implements spec.md §4.3.1 "upgrade (session permissions)"
// (session only): broadens the settled session's permissions with
// additional, controller side only.
func (s *Session) Upgrade(ctx context.Context, topic string, additional sequence.Permissions) (*sequence.Record, error) {
	return s.ctrl.Upgrade(ctx, topic, additional)
}

// Notify implements spec.md §4.3.1 "notify" (session only).
func (s *Session) Notify(ctx context.Context, topic, notificationType string, data interface{}) error {
	return s.ctrl.Notify(ctx, topic, notificationType, data)
}

// Request implements spec.md §4.3.1 "request" (session only): wraps an
// application JSON-RPC payload and routes it on the settled topic.
func (s *Session) Request(ctx context.Context, topic string, method jsonrpc.Method, params interface{}) (*jsonrpc.Response, error) {
	return s.ctrl.Request(ctx, topic, method, params)
}

// Send implements spec.md §4.3.1 "send" (session only).
func (s *Session) Send(ctx context.Context, topic string, resp *jsonrpc.Response) error {
	return s.ctrl.Send(ctx, topic, resp)
}

// Delete implements spec.md §4.3.1 "delete".
func (s *Session) Delete(ctx context.Context, topic, reason string) error {
	return s.ctrl.Delete(ctx, topic, reason)
}

// Get implements spec.md §4.3.1 "get".
func (s *Session) Get(topic string) (*sequence.Record, error) {
	return s.ctrl.Get(topic)
}

// Init implements spec.md §4.3.1 "init".
func (s *Session) Init(ctx context.Context) error {
	return s.ctrl.Init(ctx)
}

// Controller exposes the underlying generic controller for the facade.
func (s *Session) Controller() *sequence.Controller {
	return s.ctrl
}

func randomTopic() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
