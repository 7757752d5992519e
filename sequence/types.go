// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sequence implements the generic Sequence controller (spec.md
// §4.3): the proposal -> pending -> settled lifecycle shared by Pairing and
// Session, which differ only in the constants carried in Config. Pairing
// and Session build their own narrow public APIs on top of Controller.
package sequence

import (
	"time"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/store"
)

// Metadata is the WalletConnect-style self/peer descriptor (SPEC_FULL.md
// §3 "Metadata"), carried in self/peer but given no shape by spec.md.
// Metadata doubles as both the bbolt storage encoding (cbor tags) and the
// JSON-RPC wire encoding (codec tags, consumed by jsonrpc.DecodeParams):
// the same shape crosses both boundaries unchanged.
type Metadata struct {
	Name        string   `cbor:"name,omitempty" codec:"name,omitempty"`
	Description string   `cbor:"description,omitempty" codec:"description,omitempty"`
	URL         string   `cbor:"url,omitempty" codec:"url,omitempty"`
	Icons       []string `cbor:"icons,omitempty" codec:"icons,omitempty"`
}

// Permissions is the capability set spec.md §3 attaches to a sequence
// record. Pairing only ever populates Methods; Session populates all
// three fields.
type Permissions struct {
	Chains        []string `cbor:"chains,omitempty" codec:"chains,omitempty"`
	Methods       []string `cbor:"methods" codec:"methods"`
	Notifications []string `cbor:"notifications,omitempty" codec:"notifications,omitempty"`
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (m Metadata) isZero() bool {
	return m.Name == "" && m.Description == "" && m.URL == "" && len(m.Icons) == 0
}

// AllowsMethod reports whether method is within the jsonrpc.methods set.
func (p Permissions) AllowsMethod(method jsonrpc.Method) bool {
	return contains(p.Methods, string(method))
}

// AllowsNotification reports whether notificationType is within the
// notifications.types set.
func (p Permissions) AllowsNotification(notificationType string) bool {
	return contains(p.Notifications, notificationType)
}

// Merge returns p broadened with additional's chains/methods/notifications,
// deduplicated, per spec.md §4.3.1 "upgrade (session permissions)": upgrade
// only ever adds capability, it never revokes what p already grants.
func (p Permissions) Merge(additional Permissions) Permissions {
	return Permissions{
		Chains:        unionStrings(p.Chains, additional.Chains),
		Methods:       unionStrings(p.Methods, additional.Methods),
		Notifications: unionStrings(p.Notifications, additional.Notifications),
	}
}

func unionStrings(a, b []string) []string {
	var out []string
	for _, s := range a {
		if !contains(out, s) {
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Party is one side (self or peer) of a sequence record.
type Party struct {
	PublicKey [crypto.PublicKeySize]byte `cbor:"public_key"`
	Metadata  Metadata                   `cbor:"metadata"`
}

// Record is the generic Sequence record of spec.md §3.
type Record struct {
	Topic       string                        `cbor:"topic"`
	Relay       relay.Descriptor              `cbor:"relay"`
	Self        Party                         `cbor:"self"`
	Peer        Party                         `cbor:"peer"`
	Permissions Permissions                   `cbor:"permissions"`
	Expiry      time.Time                     `cbor:"expiry"`
	Controller  bool                          `cbor:"controller"`
	// SymmetricKey is the settled topic's decrypt key, derived once at
	// settle time and persisted so Init can re-establish the subscription
	// after a restart without repeating key agreement (spec.md §4.3.1
	// "init").
	SymmetricKey [crypto.SymmetricKeySize]byte `cbor:"symmetric_key"`
	// State is the sequence-specific mutable payload (spec.md §3): nil for
	// Pairing, *session.State (Accounts []string) for Session.
	State interface{} `cbor:"state,omitempty"`
}

// PendingStatus is a pending record's place in the state machine of
// spec.md §4.3.2.
type PendingStatus string

const (
	PendingProposed  PendingStatus = "proposed"
	PendingResponded PendingStatus = "responded"
	PendingFailed    PendingStatus = "failed"
)

// Pending is the Pending record of spec.md §3.
type Pending struct {
	ProposalTopic string                      `cbor:"proposal_topic"`
	Status        PendingStatus               `cbor:"status"`
	Reason        string                      `cbor:"reason,omitempty"`
	Inbound       bool                        `cbor:"inbound"`
	Controller    bool                        `cbor:"controller"`
	PrivateKey    [crypto.PrivateKeySize]byte `cbor:"private_key"`
	Self          Party                       `cbor:"self"`
	Peer          Party                       `cbor:"peer"`
	Permissions   Permissions                 `cbor:"permissions"`
	Relay         relay.Descriptor            `cbor:"relay"`
	Expiry        time.Time                   `cbor:"expiry"`
}

// Kind identifies which SequenceKind a Config belongs to; re-exported for
// callers that only import sequence.
type Kind = store.SequenceKind
