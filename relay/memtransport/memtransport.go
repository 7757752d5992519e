// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memtransport is an in-process relay.Transport used by tests and
// by two pairwire clients running in the same process. It has no network
// component; Publish on one Transport is delivered to every Transport in
// the same Hub that is subscribed to the topic, the publishing Transport
// included, synchronously fanned out
// over channels the way events.Bus fans out to its subscribers.
package memtransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/pairwire/pairwire/relay"
)

// Hub is the shared medium a set of in-process Transports publish to and
// subscribe through, standing in for the relay server (out of scope per
// spec.md §1 Non-goals).
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Transport]struct{} // topic -> set of subscribed transports
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Transport]struct{})}
}

func (h *Hub) subscribe(topic string, t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*Transport]struct{})
		h.subs[topic] = set
	}
	set[t] = struct{}{}
}

func (h *Hub) unsubscribe(topic string, t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[topic]; ok {
		delete(set, t)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) publish(topic string, msg relay.Inbound) {
	h.mu.Lock()
	var recipients []*Transport
	for t := range h.subs[topic] {
		recipients = append(recipients, t)
	}
	h.mu.Unlock()

	for _, t := range recipients {
		select {
		case t.inbound <- msg:
		default:
			// Slow consumer: drop rather than block the publisher, matching
			// the untrusted, best-effort delivery contract of spec.md §4.1.
		}
	}
}

// Transport is one client's connection into a Hub.
type Transport struct {
	hub     *Hub
	inbound chan relay.Inbound

	mu   sync.Mutex
	subs map[string]string // subscriptionID -> topic
}

// New returns a Transport attached to hub.
func New(hub *Hub) *Transport {
	return &Transport{
		hub:     hub,
		inbound: make(chan relay.Inbound, 64),
		subs:    make(map[string]string),
	}
}

func (t *Transport) Publish(ctx context.Context, topic string, message []byte, relayDesc relay.Descriptor) error {
	t.hub.publish(topic, relay.Inbound{Topic: topic, Message: message})
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, relayDesc relay.Descriptor) (string, error) {
	id := randID()
	t.hub.subscribe(topic, t)
	t.mu.Lock()
	t.subs[id] = topic
	t.mu.Unlock()
	return id, nil
}

func (t *Transport) Unsubscribe(ctx context.Context, subscriptionID string) error {
	t.mu.Lock()
	topic, ok := t.subs[subscriptionID]
	delete(t.subs, subscriptionID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.hub.unsubscribe(topic, t)
	return nil
}

func (t *Transport) Inbound() <-chan relay.Inbound {
	return t.inbound
}

func randID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
