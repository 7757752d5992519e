// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/internal/keyedmutex"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/perr"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/store"
)

// Controller is the generic Sequence controller of spec.md §4.3, shared by
// Pairing and Session through Config. It owns the pending and settled
// tables for its Kind, all registry interaction for topics of that kind,
// and the per-topic serialisation the spec requires (spec.md §5).
type Controller struct {
	cfg      Config
	registry *relay.Registry
	store    store.Store
	keyAgree crypto.KeyAgreement
	bus      *events.Bus
	logger   *logging.Logger
	locks    *keyedmutex.Mutex

	nextID uint64

	mu      sync.Mutex
	pending map[string]*Pending // keyed by proposal topic
	settled map[string]*Record  // keyed by settled topic
}

// New constructs a Controller for cfg.Kind and registers it as that kind's
// relay.Dispatcher on registry.
func New(cfg Config, registry *relay.Registry, st store.Store, keyAgree crypto.KeyAgreement, bus *events.Bus, logger *logging.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		store:    st,
		keyAgree: keyAgree,
		bus:      bus,
		logger:   logger,
		locks:    keyedmutex.New(),
		pending:  make(map[string]*Pending),
		settled:  make(map[string]*Record),
	}
	registry.RegisterDispatcher(cfg.Kind, c)
	return c
}

// nextRequestID combines the current time in microseconds with a
// per-controller counter, so that ids from this controller, from the relay
// client and from the peer on the same topic do not collide in the relay
// client's dedup window.
func (c *Controller) nextRequestID() uint64 {
	return uint64(time.Now().UnixMicro())*1000 + atomic.AddUint64(&c.nextID, 1)%1000
}

func (c *Controller) log(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

// Create implements spec.md §4.3.1 "create": generate an ephemeral
// keypair, subscribe to the proposal topic, publish the propose envelope,
// record Pending{Proposed}, emit the proposal event.
func (c *Controller) Create(ctx context.Context, topic string, relayDesc relay.Descriptor, permissions Permissions, selfMeta Metadata) (*Pending, error) {
	unlock := c.locks.Lock(topic)
	defer unlock()

	kp, err := c.keyAgree.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("sequence: generate keypair: %w", err)
	}

	expiry := time.Now().Add(c.cfg.DefaultTTL)
	p := &Pending{
		ProposalTopic: topic,
		Status:        PendingProposed,
		Controller:    true,
		PrivateKey:    kp.PrivateKey,
		Self:          Party{PublicKey: kp.PublicKey, Metadata: selfMeta},
		Permissions:   permissions,
		Relay:         relayDesc,
		Expiry:        expiry,
	}

	if err := c.registry.SubscribePlain(ctx, topic, expiry, c.cfg.Kind, relayDesc); err != nil {
		return nil, err
	}

	req := &jsonrpc.Request{
		ID:     c.nextRequestID(),
		Method: c.cfg.MethodPropose,
		Params: ProposeParams{
			PublicKey:   hex.EncodeToString(kp.PublicKey[:]),
			Metadata:    selfMeta,
			Permissions: permissions,
			TTLSeconds:  int64(c.cfg.DefaultTTL.Seconds()),
		},
	}
	if err := c.registry.Publish(ctx, topic, req); err != nil {
		_ = c.registry.Unsubscribe(ctx, topic)
		return nil, err
	}

	c.mu.Lock()
	c.pending[topic] = p
	c.mu.Unlock()
	if err := c.persistPending(p); err != nil {
		c.log("sequence: persist pending %s: %v", topic, err)
	}

	c.bus.Emit(events.Event{Kind: c.cfg.EventProposal, Topic: topic, Payload: events.ProposalPayload{}})
	return p, nil
}

// Respond implements spec.md §4.3.1 "respond": verify the proposal has not
// expired, generate an ephemeral keypair, and either settle (approved) or
// fail (rejected) the peer-originated proposal recorded at topic.
func (c *Controller) Respond(ctx context.Context, topic string, approved bool, reason string) (*Record, error) {
	unlock := c.locks.Lock(topic)
	defer unlock()

	c.mu.Lock()
	p, ok := c.pending[topic]
	c.mu.Unlock()
	if !ok {
		return nil, &perr.NoMatchingTopic{Topic: topic}
	}
	if p.Status != PendingProposed || !p.Inbound {
		return nil, &perr.ProposalAlreadyResponded{Topic: topic}
	}
	if time.Now().After(p.Expiry) {
		c.failPending(p, "expired")
		return nil, &perr.Expired{Topic: topic}
	}

	if !approved {
		if err := c.registry.Publish(ctx, topic, &jsonrpc.Request{
			ID:     c.nextRequestID(),
			Method: c.cfg.MethodReject,
			Params: RejectParams{Reason: reason},
		}); err != nil {
			return nil, err
		}
		c.failPending(p, "rejected")
		return nil, nil
	}

	kp, err := c.keyAgree.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("sequence: generate keypair: %w", err)
	}
	p.Self.PublicKey = kp.PublicKey
	p.Status = PendingResponded
	p.Controller = false

	if err := c.registry.Publish(ctx, topic, &jsonrpc.Request{
		ID:     c.nextRequestID(),
		Method: c.cfg.MethodApprove,
		Params: ApproveParams{PublicKey: hex.EncodeToString(kp.PublicKey[:]), Metadata: p.Self.Metadata},
	}); err != nil {
		return nil, err
	}

	record, err := c.settleFromPending(ctx, p, kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// settleFromPending derives the settled topic and symmetric key from ECDH
// between selfPrivate and p.Peer.PublicKey, subscribes the settled topic,
// moves p out of pending into settled, and emits the settled event. Both
// sides of an approve exchange can compute the same settled topic/key
// independently (mutual ECDH derivability), so no further acknowledgement
// round trip is required beyond the approve message itself.
func (c *Controller) settleFromPending(ctx context.Context, p *Pending, selfPrivate [crypto.PrivateKeySize]byte) (*Record, error) {
	sharedKey, err := c.keyAgree.DeriveSharedKey(&selfPrivate, &p.Peer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sequence: derive shared key: %w", err)
	}
	settledTopic := derivedTopic(sharedKey)

	if err := c.registry.Subscribe(ctx, settledTopic, *sharedKey, p.Expiry, c.cfg.Kind, p.Relay); err != nil {
		return nil, err
	}
	_ = c.registry.Unsubscribe(ctx, p.ProposalTopic)

	peer := p.Peer
	if enriched := c.cfg.enrich(); !enriched.isZero() {
		peer.Metadata = enriched
	}

	record := &Record{
		Topic:        settledTopic,
		Relay:        p.Relay,
		Self:         p.Self,
		Peer:         peer,
		Permissions:  p.Permissions,
		Expiry:       p.Expiry,
		Controller:   p.Controller,
		SymmetricKey: *sharedKey,
	}

	c.mu.Lock()
	delete(c.pending, p.ProposalTopic)
	c.settled[settledTopic] = record
	c.mu.Unlock()

	if err := c.persistSettled(record); err != nil {
		c.log("sequence: persist settled %s: %v", settledTopic, err)
	}
	if err := c.deletePending(p.ProposalTopic); err != nil {
		c.log("sequence: delete pending %s: %v", p.ProposalTopic, err)
	}

	c.bus.Emit(events.Event{Kind: c.cfg.EventCreated, Topic: settledTopic, Payload: events.CreatedPayload{Topic: settledTopic, ProposalTopic: p.ProposalTopic}})
	return record, nil
}

func (c *Controller) failPending(p *Pending, reason string) {
	p.Status = PendingFailed
	p.Reason = reason
	c.mu.Lock()
	delete(c.pending, p.ProposalTopic)
	c.mu.Unlock()
	_ = c.registry.Unsubscribe(context.Background(), p.ProposalTopic)
	if err := c.deletePending(p.ProposalTopic); err != nil {
		c.log("sequence: delete pending %s: %v", p.ProposalTopic, err)
	}
	c.bus.Emit(events.Event{Kind: c.cfg.EventDeleted, Topic: p.ProposalTopic, Payload: events.DeletedPayload{Topic: p.ProposalTopic, Reason: reason}})
}

// Update implements spec.md §4.3.1 "update": only the controller side may
// update; the peer must acknowledge before the local record is mutated.
func (c *Controller) Update(ctx context.Context, topic string, metadata *Metadata, state interface{}) (*Record, error) {
	unlock := c.locks.Lock(topic)
	defer unlock()

	c.mu.Lock()
	record, ok := c.settled[topic]
	c.mu.Unlock()
	if !ok {
		return nil, &perr.NoMatchingTopic{Topic: topic}
	}
	if !record.Controller {
		return nil, &perr.UnauthorizedUpdate{Topic: topic}
	}

	resp, err := c.registry.Request(ctx, topic, c.cfg.MethodUpdate, UpdateParams{Metadata: metadata, State: state})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	c.mu.Lock()
	if metadata != nil {
		record.Peer.Metadata = *metadata
	}
	if state != nil {
		record.State = state
	}
	c.mu.Unlock()

	if err := c.persistSettled(record); err != nil {
		c.log("sequence: persist settled %s: %v", topic, err)
	}
	c.bus.Emit(events.Event{Kind: c.cfg.EventUpdated, Topic: topic, Payload: events.UpdatedPayload{Topic: topic}})
	return record, nil
}

// Upgrade implements spec.md §4.3.1 "upgrade (session permissions)"
// (session only): only the controller side may upgrade, and a successful
// upgrade only ever broadens record.Permissions, never narrows it.
func (c *Controller) Upgrade(ctx context.Context, topic string, additional Permissions) (*Record, error) {
	unlock := c.locks.Lock(topic)
	defer unlock()

	c.mu.Lock()
	record, ok := c.settled[topic]
	c.mu.Unlock()
	if !ok {
		return nil, &perr.NoMatchingTopic{Topic: topic}
	}
	if !record.Controller {
		return nil, &perr.UnauthorizedUpdate{Topic: topic}
	}

	merged := record.Permissions.Merge(additional)

	resp, err := c.registry.Request(ctx, topic, c.cfg.MethodUpgrade, UpgradeParams{Permissions: merged})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	c.mu.Lock()
	record.Permissions = merged
	c.mu.Unlock()

	if err := c.persistSettled(record); err != nil {
		c.log("sequence: persist settled %s: %v", topic, err)
	}
	c.bus.Emit(events.Event{Kind: c.cfg.EventUpgraded, Topic: topic, Payload: events.UpgradedPayload{Topic: topic, Permissions: merged}})
	return record, nil
}

// Notify implements spec.md §4.3.1 "notify" (session only): sends a typed
// notification and awaits acknowledgement; fails with
// UnauthorizedNotificationType if the type is outside the session's
// permissions.
func (c *Controller) Notify(ctx context.Context, topic string, notificationType string, data interface{}) error {
	c.mu.Lock()
	record, ok := c.settled[topic]
	c.mu.Unlock()
	if !ok {
		return &perr.NoMatchingTopic{Topic: topic}
	}
	if !record.Permissions.AllowsNotification(notificationType) {
		return &perr.UnauthorizedNotificationType{Type: notificationType}
	}

	resp, err := c.registry.Request(ctx, topic, c.cfg.MethodNotify, NotifyParams{Type: notificationType, Data: data})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Delete implements spec.md §4.3.1 "delete": idempotent removal from the
// settled table and subscription registry.
func (c *Controller) Delete(ctx context.Context, topic string, reason string) error {
	unlock := c.locks.Lock(topic)
	defer unlock()

	c.mu.Lock()
	_, ok := c.settled[topic]
	delete(c.settled, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.registry.Publish(ctx, topic, &jsonrpc.Request{
		ID:     c.nextRequestID(),
		Method: c.cfg.MethodDelete,
		Params: DeleteParams{Reason: reason},
	}); err != nil {
		c.log("sequence: publish delete on %s: %v", topic, err)
	}
	_ = c.registry.Unsubscribe(ctx, topic)
	if err := c.deleteSettled(topic); err != nil {
		c.log("sequence: delete settled %s: %v", topic, err)
	}

	c.bus.Emit(events.Event{Kind: c.cfg.EventDeleted, Topic: topic, Payload: events.DeletedPayload{Topic: topic, Reason: reason}})
	return nil
}

// Request implements spec.md §4.3.1 "request" (session only): wraps an
// application JSON-RPC call and routes it on the settled topic, refusing
// to send a method outside the session's own permissions rather than
// relying on the peer to reject it.
func (c *Controller) Request(ctx context.Context, topic string, method jsonrpc.Method, params interface{}) (*jsonrpc.Response, error) {
	record, err := c.Get(topic)
	if err != nil {
		return nil, err
	}
	if !record.Permissions.AllowsMethod(method) {
		return nil, &perr.UnauthorizedRpcMethod{Method: string(method)}
	}
	return c.registry.Request(ctx, topic, method, params)
}

// Send implements spec.md §4.3.1 "send" (session only): writes a JSON-RPC
// response for a previously received application request.
func (c *Controller) Send(ctx context.Context, topic string, resp *jsonrpc.Response) error {
	if _, err := c.Get(topic); err != nil {
		return err
	}
	return c.registry.Respond(ctx, topic, resp)
}

// Get implements spec.md §4.3.1 "get".
func (c *Controller) Get(topic string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.settled[topic]
	if !ok {
		return nil, &perr.NoMatchingTopic{Topic: topic}
	}
	return record, nil
}

// Init implements spec.md §4.3.1 "init": rehydrate settled and pending
// tables from storage, re-establish subscriptions, and drop anything
// already expired.
func (c *Controller) Init(ctx context.Context) error {
	settledRecords, err := c.loadAllSettled()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range settledRecords {
		if now.After(r.Expiry) {
			_ = c.deleteSettled(r.Topic)
			continue
		}
		if err := c.resubscribeSettled(ctx, r); err != nil {
			c.log("sequence: resubscribe settled %s: %v", r.Topic, err)
			continue
		}
		c.mu.Lock()
		c.settled[r.Topic] = r
		c.mu.Unlock()
	}

	pendingRecords, err := c.loadAllPending()
	if err != nil {
		return err
	}
	for _, p := range pendingRecords {
		if now.After(p.Expiry) {
			_ = c.deletePending(p.ProposalTopic)
			continue
		}
		if err := c.registry.SubscribePlain(ctx, p.ProposalTopic, p.Expiry, c.cfg.Kind, p.Relay); err != nil {
			c.log("sequence: resubscribe pending %s: %v", p.ProposalTopic, err)
			continue
		}
		c.mu.Lock()
		c.pending[p.ProposalTopic] = p
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) resubscribeSettled(ctx context.Context, r *Record) error {
	return c.registry.Subscribe(ctx, r.Topic, r.SymmetricKey, r.Expiry, c.cfg.Kind, r.Relay)
}
