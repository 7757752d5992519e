// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package perr is the pairwire error taxonomy (spec.md §7), modeled as a
// closed set of typed errors following the teacher's per-domain error
// idiom (client2/connection.go's ConnectError/PKIError/ProtocolError).
package perr

import "fmt"

// TransportUnavailable indicates the relay could not be reached.
type TransportUnavailable struct{ Err error }

func (e *TransportUnavailable) Error() string {
	return fmt.Sprintf("pairwire: transport unavailable: %v", e.Err)
}
func (e *TransportUnavailable) Unwrap() error { return e.Err }

// RpcTimeout indicates no peer response arrived within the deadline.
type RpcTimeout struct{ Topic string }

func (e *RpcTimeout) Error() string {
	return fmt.Sprintf("pairwire: rpc timeout on topic %s", e.Topic)
}

// NoMatchingTopic indicates a lookup against an unknown topic.
type NoMatchingTopic struct{ Topic string }

func (e *NoMatchingTopic) Error() string {
	return fmt.Sprintf("pairwire: no matching topic %s", e.Topic)
}

// ProposalAlreadyResponded indicates a double-response race was lost.
type ProposalAlreadyResponded struct{ Topic string }

func (e *ProposalAlreadyResponded) Error() string {
	return fmt.Sprintf("pairwire: proposal %s already responded", e.Topic)
}

// UnauthorizedRpcMethod indicates a method outside the sequence's
// permissions arrived or was attempted.
type UnauthorizedRpcMethod struct{ Method string }

func (e *UnauthorizedRpcMethod) Error() string {
	return fmt.Sprintf("pairwire: unauthorized rpc method %s", e.Method)
}

// UnauthorizedUpdate indicates a non-controller attempted an update.
type UnauthorizedUpdate struct{ Topic string }

func (e *UnauthorizedUpdate) Error() string {
	return fmt.Sprintf("pairwire: unauthorized update on topic %s", e.Topic)
}

// UnauthorizedNotificationType indicates a notification type outside the
// session's permissions.
type UnauthorizedNotificationType struct{ Type string }

func (e *UnauthorizedNotificationType) Error() string {
	return fmt.Sprintf("pairwire: unauthorized notification type %s", e.Type)
}

// InvalidUri indicates a URI failed to parse.
type InvalidUri struct{ Err error }

func (e *InvalidUri) Error() string {
	return fmt.Sprintf("pairwire: invalid uri: %v", e.Err)
}
func (e *InvalidUri) Unwrap() error { return e.Err }

// DecryptionFailure indicates an inbound envelope could not be decrypted.
// It is absorbed by the subscription registry (logged, dropped) and never
// propagated to a caller; it is exported so tests can assert on it.
type DecryptionFailure struct{ Topic string }

func (e *DecryptionFailure) Error() string {
	return fmt.Sprintf("pairwire: decryption failure on topic %s", e.Topic)
}

// StorageFailure indicates a persistence error. Callers that observe this
// must treat their in-memory mutation as rolled back.
type StorageFailure struct{ Err error }

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("pairwire: storage failure: %v", e.Err)
}
func (e *StorageFailure) Unwrap() error { return e.Err }

// Expired indicates a pending or settled record outlived its TTL.
type Expired struct{ Topic string }

func (e *Expired) Error() string {
	return fmt.Sprintf("pairwire: expired: %s", e.Topic)
}

// PairFailed indicates an attempted pair() did not settle: the peer never
// responded, or responded with a rejection. SPEC_FULL.md §4.6 introduces
// this in place of the silent failure flagged as an Open Question in
// spec.md §9.
type PairFailed struct {
	URI    string
	Reason string
}

func (e *PairFailed) Error() string {
	return fmt.Sprintf("pairwire: pair failed for %s: %s", e.URI, e.Reason)
}
