// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

import (
	"time"

	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/store"
)

// Config carries the constants that distinguish a Pairing controller from
// a Session controller (spec.md §4.3: "Specialisations differ only in
// constants").
type Config struct {
	Kind       store.SequenceKind
	DefaultTTL time.Duration

	MethodPropose jsonrpc.Method
	MethodApprove jsonrpc.Method
	MethodReject  jsonrpc.Method
	MethodUpdate  jsonrpc.Method
	MethodDelete  jsonrpc.Method
	MethodPing    jsonrpc.Method
	MethodPayload jsonrpc.Method

	// MethodNotify and MethodUpgrade are the zero value for Pairing, which
	// has neither operation (spec.md §4.4/§4.5).
	MethodNotify  jsonrpc.Method
	MethodUpgrade jsonrpc.Method

	DefaultPermissions Permissions

	// Event* name the public events.Kind this controller emits at each
	// lifecycle point (spec.md §6 "Public events"), namespaced by the
	// facade per spec.md §4.6 ("pairing.*" / "session.*").
	EventProposal    events.Kind
	EventCreated     events.Kind
	EventUpdated     events.Kind
	EventDeleted     events.Kind
	EventPayload     events.Kind // session only
	EventNotification events.Kind // session only
	EventUpgraded    events.Kind // session only

	// EnrichPeerMetadata is the getPairingMetadata collaborator hook of
	// spec.md §4.4, generalised to both kinds; Session's default is a
	// no-op returning an empty Metadata.
	EnrichPeerMetadata func() Metadata
}

func (c Config) enrich() Metadata {
	if c.EnrichPeerMetadata == nil {
		return Metadata{}
	}
	return c.EnrichPeerMetadata()
}
