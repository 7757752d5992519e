// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package events is the typed publish/subscribe event bus the facade uses
// to re-emit controller lifecycle events (spec.md §6 "Public events"). It
// is modeled, per SPEC_FULL.md and the design notes in spec.md §9, as a
// fixed set of enum-tagged events with statically-typed payloads rather
// than a runtime string-keyed listener list, with the same channel-based
// fan-out idiom the teacher's thin client uses for its own event sink
// (client2/thin/thin.go's eventSink chan Event).
package events

import "fmt"

// Kind is the closed set of public event names (spec.md §6).
type Kind string

const (
	PairingProposal Kind = "pairing.proposal"
	PairingCreated   Kind = "pairing.created"
	PairingUpdated   Kind = "pairing.updated"
	PairingDeleted   Kind = "pairing.deleted"
	// PairingPayload is not one of spec.md §6's stable public event names;
	// it is the facade's internal plumbing signal (spec.md §4.6 "on
	// pairing.payload carrying the session-proposal method") used to
	// detect an inbound session-proposal signal arriving over a settled
	// pairing. The facade consumes it and does not re-emit it publicly;
	// SessionProposal is emitted by the session controller itself.
	PairingPayload Kind = "pairing.payload"

	SessionProposal     Kind = "session.proposal"
	SessionCreated       Kind = "session.created"
	SessionUpdated       Kind = "session.updated"
	SessionUpgraded      Kind = "session.upgraded"
	SessionDeleted       Kind = "session.deleted"
	SessionPayload       Kind = "session.payload"
	SessionNotification  Kind = "session.notification"
)

// Event is the generic envelope delivered on the bus.
type Event struct {
	Kind  Kind
	Topic string
	// Payload is one of the *Payload types below, chosen by Kind.
	Payload interface{}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(topic=%s)", e.Kind, e.Topic)
}

// ProposalPayload accompanies PairingProposal/SessionProposal.
type ProposalPayload struct {
	// URI is left empty by the sequence controller, including for
	// PairingProposal; Pairing.Create returns the URI to its caller
	// instead.
	URI string
}

// CreatedPayload accompanies PairingCreated/SessionCreated.
type CreatedPayload struct {
	Topic string
	// ProposalTopic is the pending record's original proposal topic,
	// letting a caller that kept the Pending from create() correlate it
	// to the settled Topic once settlement completes.
	ProposalTopic string
}

// UpdatedPayload accompanies PairingUpdated/SessionUpdated.
type UpdatedPayload struct {
	Topic string
}

// UpgradedPayload accompanies SessionUpgraded. Permissions is typed as
// interface{} to keep this package free of a sequence import; the sequence
// Controller always populates it with a sequence.Permissions.
type UpgradedPayload struct {
	Topic       string
	Permissions interface{}
}

// DeletedPayload accompanies PairingDeleted/SessionDeleted.
type DeletedPayload struct {
	Topic  string
	Reason string
}

// PayloadPayload accompanies SessionPayload: an inbound application
// JSON-RPC request or response carried on a settled session topic.
type PayloadPayload struct {
	Topic  string
	Method string
	Params interface{}
}

// NotificationPayload accompanies SessionNotification.
type NotificationPayload struct {
	Topic string
	Type  string
	Data  interface{}
}

// Bus is a single fan-out channel of Event, with a bounded buffer so that a
// slow consumer cannot stall the controller goroutines that publish to it.
type Bus struct {
	ch chan Event
}

// NewBus returns a Bus with the given buffer size.
func NewBus(buffer int) *Bus {
	return &Bus{ch: make(chan Event, buffer)}
}

// Emit publishes ev without blocking. When the buffer is full the oldest
// queued event is discarded to make room; ev itself is discarded if the bus
// has been closed, or if the buffer refills before ev can be queued.
func (b *Bus) Emit(ev Event) {
	defer func() { recover() }() // nolint: swallow send-on-closed-channel panic
	select {
	case b.ch <- ev:
	default:
		// Buffer full: drop the oldest in favor of the newest so a burst of
		// lifecycle events never blocks the owning sequence controller.
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- ev:
		default:
		}
	}
}

// Events returns the receive-only event channel.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the underlying channel. Subsequent Emit calls are no-ops.
func (b *Bus) Close() {
	close(b.ch)
}
