// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

// ProposeParams is the JSON-RPC params payload of a propose request
// (spec.md §4.3.1 "create").
type ProposeParams struct {
	PublicKey   string      `codec:"publicKey"`
	Metadata    Metadata    `codec:"metadata"`
	Permissions Permissions `codec:"permissions"`
	TTLSeconds  int64       `codec:"ttl"`
}

// ApproveParams is the JSON-RPC params payload of an approve response
// (spec.md §4.3.1 "respond").
type ApproveParams struct {
	PublicKey string   `codec:"publicKey"`
	Metadata  Metadata `codec:"metadata"`
}

// RejectParams is the JSON-RPC params payload of a reject response.
type RejectParams struct {
	Reason string `codec:"reason"`
}

// UpdateParams is the JSON-RPC params payload of an update request
// (spec.md §4.3.1 "update").
type UpdateParams struct {
	Metadata *Metadata   `codec:"metadata,omitempty"`
	State    interface{} `codec:"state,omitempty"`
}

// DeleteParams is the JSON-RPC params payload of a delete request.
type DeleteParams struct {
	Reason string `codec:"reason"`
}

// NotifyParams is the JSON-RPC params payload of a session notification
// (spec.md §4.5).
type NotifyParams struct {
	Type string      `codec:"type"`
	Data interface{} `codec:"data"`
}

// UpgradeParams is the JSON-RPC params payload of an upgrade request
// (spec.md §4.3.1 "upgrade (session permissions)"): the session's full
// permission set after merging in the additional grant.
type UpgradeParams struct {
	Permissions Permissions `codec:"permissions"`
}
