// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package store defines the key-value persistence boundary the sequence
// controllers use to durably hold pending and settled records (spec.md §6,
// "Key-value storage interface"). The core never assumes a particular
// backing database; boltstore is the default implementation used by the
// daemon and by tests.
package store

// Store is a single-writer, async-friendly key-value interface. Writes for
// a sequence record must be flushed before the corresponding lifecycle
// event is emitted (spec.md §5), so that any observer reading Store after
// observing an event sees the update.
type Store interface {
	// Get returns the value for key, or (nil, nil) if it does not exist.
	Get(key string) ([]byte, error)

	// Set stores value under key, overwriting any existing value.
	Set(key string, value []byte) error

	// Del removes key. Deleting a missing key is not an error.
	Del(key string) error

	// Keys returns every key with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Prefix builders for the storage layout described in spec.md §6,
// generalised from the illustrative "wc@2:client//pairing:settled" to this
// project's own namespace ("pairwire@1:...").
const (
	namespace = "pairwire@1:client"
)

// SequenceKind distinguishes a Pairing sequence from a Session sequence
// for storage and dispatch purposes (SPEC_FULL.md §3 "Sequence kind").
type SequenceKind string

const (
	KindPairing SequenceKind = "pairing"
	KindSession SequenceKind = "session"
)

// PendingKey returns the storage key prefix for kind's pending table; each
// pending record is stored under its own key built from this prefix.
func PendingKey(kind SequenceKind) string {
	return namespace + "//" + string(kind) + ":pending"
}

// SettledKey returns the storage key prefix for kind's settled table; each
// settled record is stored under its own key built from this prefix.
func SettledKey(kind SequenceKind) string {
	return namespace + "//" + string(kind) + ":settled"
}
