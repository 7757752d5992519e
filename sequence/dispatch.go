// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/relay"
)

var (
	_ relay.Dispatcher = (*Controller)(nil)
)

var errWrongKeySize = fmt.Errorf("sequence: public key wrong size")

// AwaitProposal subscribes to topic without yet knowing the peer's public
// key, recording an inbound Pending entry that HandleRequest's propose
// case fills in once the peer's propose envelope arrives. This is the
// responder-side half of spec.md §3's "created on propose or on receipt
// of a proposal": Pairing calls this when a URI is scanned; Session calls
// it when an inbound pairing.payload names the session-propose method.
func (c *Controller) AwaitProposal(ctx context.Context, topic string, relayDesc relay.Descriptor) error {
	unlock := c.locks.Lock(topic)
	defer unlock()

	if err := c.registry.SubscribePlain(ctx, topic, time.Now().Add(c.cfg.DefaultTTL), c.cfg.Kind, relayDesc); err != nil {
		return err
	}
	p := &Pending{
		ProposalTopic: topic,
		Status:        PendingProposed,
		Inbound:       true,
		Relay:         relayDesc,
		Expiry:        time.Now().Add(c.cfg.DefaultTTL),
	}
	c.mu.Lock()
	c.pending[topic] = p
	c.mu.Unlock()
	return c.persistPending(p)
}

// HandleRequest implements relay.Dispatcher, routing an inbound JSON-RPC
// request by method against whichever of the pending or settled tables
// owns topic.
func (c *Controller) HandleRequest(topic string, req *jsonrpc.Request) {
	ctx := context.Background()

	c.mu.Lock()
	p, isPending := c.pending[topic]
	record, isSettled := c.settled[topic]
	c.mu.Unlock()

	switch {
	case isPending:
		c.handlePendingRequest(ctx, p, req)
	case isSettled:
		c.handleSettledRequest(ctx, record, req)
	default:
		c.log("sequence: request for unknown topic %s method %s", topic, req.Method)
	}
}

func (c *Controller) handlePendingRequest(ctx context.Context, p *Pending, req *jsonrpc.Request) {
	unlock := c.locks.Lock(p.ProposalTopic)
	defer unlock()

	switch req.Method {
	case c.cfg.MethodPropose:
		if !p.Inbound || p.Status != PendingProposed {
			return
		}
		var params ProposeParams
		if err := jsonrpc.DecodeParams(req.Params, &params); err != nil {
			c.log("sequence: malformed propose on %s: %v", p.ProposalTopic, err)
			return
		}
		peerKey, err := decodeHexKey(params.PublicKey)
		if err != nil {
			c.log("sequence: malformed propose public key on %s: %v", p.ProposalTopic, err)
			return
		}
		p.Peer = Party{PublicKey: peerKey, Metadata: params.Metadata}
		p.Permissions = params.Permissions
		if len(p.Permissions.Methods) == 0 {
			p.Permissions = c.cfg.DefaultPermissions
		}
		if params.TTLSeconds > 0 {
			p.Expiry = time.Now().Add(time.Duration(params.TTLSeconds) * time.Second)
		}
		if err := c.persistPending(p); err != nil {
			c.log("sequence: persist pending %s: %v", p.ProposalTopic, err)
		}
		c.bus.Emit(events.Event{Kind: c.cfg.EventProposal, Topic: p.ProposalTopic, Payload: events.ProposalPayload{}})

	case c.cfg.MethodApprove:
		if p.Inbound || p.Status != PendingProposed {
			return
		}
		var params ApproveParams
		if err := jsonrpc.DecodeParams(req.Params, &params); err != nil {
			c.log("sequence: malformed approve on %s: %v", p.ProposalTopic, err)
			return
		}
		peerKey, err := decodeHexKey(params.PublicKey)
		if err != nil {
			c.log("sequence: malformed approve public key on %s: %v", p.ProposalTopic, err)
			return
		}
		p.Peer = Party{PublicKey: peerKey, Metadata: params.Metadata}
		if _, err := c.settleFromPending(ctx, p, p.PrivateKey); err != nil {
			c.log("sequence: settle from approve on %s: %v", p.ProposalTopic, err)
		}

	case c.cfg.MethodReject:
		if p.Inbound || p.Status != PendingProposed {
			return
		}
		var params RejectParams
		_ = jsonrpc.DecodeParams(req.Params, &params)
		c.failPending(p, firstNonEmpty(params.Reason, "rejected"))

	default:
		c.log("sequence: unexpected method %s on pending topic %s", req.Method, p.ProposalTopic)
	}
}

func (c *Controller) handleSettledRequest(ctx context.Context, record *Record, req *jsonrpc.Request) {
	switch req.Method {
	case c.cfg.MethodUpdate:
		if record.Controller {
			c.replyUnauthorized(ctx, record.Topic, req.ID, "update")
			return
		}
		var params UpdateParams
		if err := jsonrpc.DecodeParams(req.Params, &params); err != nil {
			c.log("sequence: malformed update on %s: %v", record.Topic, err)
			return
		}
		c.mu.Lock()
		if params.Metadata != nil {
			record.Peer.Metadata = *params.Metadata
		}
		if params.State != nil {
			record.State = params.State
		}
		c.mu.Unlock()
		if err := c.persistSettled(record); err != nil {
			c.log("sequence: persist settled %s: %v", record.Topic, err)
		}
		_ = c.registry.Respond(ctx, record.Topic, &jsonrpc.Response{ID: req.ID, Result: true})
		c.bus.Emit(events.Event{Kind: c.cfg.EventUpdated, Topic: record.Topic, Payload: events.UpdatedPayload{Topic: record.Topic}})

	case c.cfg.MethodDelete:
		var params DeleteParams
		_ = jsonrpc.DecodeParams(req.Params, &params)
		c.mu.Lock()
		delete(c.settled, record.Topic)
		c.mu.Unlock()
		_ = c.registry.Unsubscribe(ctx, record.Topic)
		if err := c.deleteSettled(record.Topic); err != nil {
			c.log("sequence: delete settled %s: %v", record.Topic, err)
		}
		c.bus.Emit(events.Event{Kind: c.cfg.EventDeleted, Topic: record.Topic, Payload: events.DeletedPayload{Topic: record.Topic, Reason: params.Reason}})

	case c.cfg.MethodPing:
		_ = c.registry.Respond(ctx, record.Topic, &jsonrpc.Response{ID: req.ID, Result: true})

	case c.cfg.MethodUpgrade:
		if record.Controller {
			c.replyUnauthorized(ctx, record.Topic, req.ID, "upgrade")
			return
		}
		var params UpgradeParams
		if err := jsonrpc.DecodeParams(req.Params, &params); err != nil {
			c.log("sequence: malformed upgrade on %s: %v", record.Topic, err)
			return
		}
		merged := record.Permissions.Merge(params.Permissions)
		c.mu.Lock()
		record.Permissions = merged
		c.mu.Unlock()
		if err := c.persistSettled(record); err != nil {
			c.log("sequence: persist settled %s: %v", record.Topic, err)
		}
		_ = c.registry.Respond(ctx, record.Topic, &jsonrpc.Response{ID: req.ID, Result: true})
		c.bus.Emit(events.Event{Kind: c.cfg.EventUpgraded, Topic: record.Topic, Payload: events.UpgradedPayload{Topic: record.Topic, Permissions: merged}})

	case c.cfg.MethodNotify:
		var params NotifyParams
		if err := jsonrpc.DecodeParams(req.Params, &params); err != nil {
			c.log("sequence: malformed notify on %s: %v", record.Topic, err)
			return
		}
		if !record.Permissions.AllowsNotification(params.Type) {
			c.replyUnauthorized(ctx, record.Topic, req.ID, "notification type")
			return
		}
		_ = c.registry.Respond(ctx, record.Topic, &jsonrpc.Response{ID: req.ID, Result: true})
		c.bus.Emit(events.Event{Kind: c.cfg.EventNotification, Topic: record.Topic, Payload: events.NotificationPayload{Topic: record.Topic, Type: params.Type, Data: params.Data}})

	default:
		if !record.Permissions.AllowsMethod(req.Method) {
			_ = c.registry.Respond(ctx, record.Topic, &jsonrpc.Response{
				ID:    req.ID,
				Error: &jsonrpc.Error{Code: jsonrpc.ErrCodeMethodNotFound, Message: "method not found"},
			})
			return
		}
		var decoded interface{}
		_ = jsonrpc.DecodeParams(req.Params, &decoded)
		c.bus.Emit(events.Event{Kind: c.cfg.EventPayload, Topic: record.Topic, Payload: events.PayloadPayload{Topic: record.Topic, Method: string(req.Method), Params: req.Params}})
	}
}

func (c *Controller) replyUnauthorized(ctx context.Context, topic string, id uint64, what string) {
	_ = c.registry.Respond(ctx, topic, &jsonrpc.Response{
		ID:    id,
		Error: &jsonrpc.Error{Code: jsonrpc.ErrCodeUnauthorized, Message: "unauthorized " + what},
	})
}

// HandleDecryptFailure implements relay.Dispatcher: log and drop, never
// propagate (spec.md §4.3.3).
func (c *Controller) HandleDecryptFailure(topic string) {
	c.log("sequence: decryption failure on topic %s", topic)
}

// HandleExpired implements relay.Dispatcher: a subscription outlived its
// expiry (spec.md §3 invariant 3); drop the owning record and emit
// deleted.
func (c *Controller) HandleExpired(topic string) {
	c.mu.Lock()
	_, isPending := c.pending[topic]
	_, isSettled := c.settled[topic]
	delete(c.pending, topic)
	delete(c.settled, topic)
	c.mu.Unlock()

	switch {
	case isPending:
		_ = c.deletePending(topic)
		c.bus.Emit(events.Event{Kind: c.cfg.EventDeleted, Topic: topic, Payload: events.DeletedPayload{Topic: topic, Reason: "expired"}})
	case isSettled:
		_ = c.deleteSettled(topic)
		c.bus.Emit(events.Event{Kind: c.cfg.EventDeleted, Topic: topic, Payload: events.DeletedPayload{Topic: topic, Reason: "expired"}})
	}
}

func decodeHexKey(s string) ([crypto.PublicKeySize]byte, error) {
	var out [crypto.PublicKeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != crypto.PublicKeySize {
		return out, errWrongKeySize
	}
	copy(out[:], raw)
	return out, nil
}

func firstNonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
