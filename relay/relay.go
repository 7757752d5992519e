// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay is the external pub/sub collaborator boundary (spec.md §4.1,
// "RelayClient") and the subscription bookkeeping layered on top of it
// (spec.md §4.2, "Subscription"). Neither the relay wire protocol nor the
// relay server is in scope (spec.md §1 Non-goals); Transport is the seam a
// concrete wire implementation plugs into, the same way the teacher's
// client2.Client/Session separate protocol plumbing from the mix network
// client that drives it.
package relay

import "context"

// Descriptor names the relay a topic is reachable through (spec.md §6's
// "relay" URI parameter: protocol plus free-form params).
type Descriptor struct {
	Protocol string
	Params   map[string]string
}

// Inbound is one opaque message delivered on a subscribed topic. Message is
// ciphertext exactly as received from the wire; Client decrypts it once a
// Subscription's decrypt key is known.
type Inbound struct {
	Topic   string
	Message []byte
}

// Transport is the opaque, untrusted publish/subscribe collaborator
// (spec.md §4.1). A concrete implementation (nettransport, memtransport)
// knows how to reach one or more relay servers; it never inspects message
// contents.
type Transport interface {
	// Publish sends message on topic via relay.
	Publish(ctx context.Context, topic string, message []byte, relay Descriptor) error

	// Subscribe registers interest in topic via relay, returning an opaque
	// subscription id the transport can later use to cancel delivery.
	Subscribe(ctx context.Context, topic string, relay Descriptor) (subscriptionID string, err error)

	// Unsubscribe cancels a previous Subscribe.
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// Inbound returns the channel on which messages for any subscribed
	// topic arrive. It is closed when the transport is permanently done.
	Inbound() <-chan Inbound
}
