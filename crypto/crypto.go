// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto defines the cryptographic boundary the sequence
// controllers consume. The core never imports a concrete curve or AEAD
// package directly; it talks only to these interfaces, matching spec.md's
// treatment of key agreement and authenticated encryption as external
// collaborators. See x25519glue for the default implementation.
package crypto

// PublicKeySize and PrivateKeySize are the sizes of an X25519-class
// keypair, as used throughout the settled-topic derivation in the
// sequence controller.
const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	SymmetricKeySize = 32
)

// KeyPair is an ephemeral asymmetric keypair generated per proposal
// (spec.md §3, "KeyPair").
type KeyPair struct {
	PublicKey  [PublicKeySize]byte
	PrivateKey [PrivateKeySize]byte
}

// KeyAgreement generates ephemeral keypairs and derives the settled
// symmetric key both sides of a sequence agree on.
type KeyAgreement interface {
	// GenerateKeypair returns a freshly generated ephemeral keypair.
	GenerateKeypair() (*KeyPair, error)

	// DeriveSharedKey derives the 32-byte symmetric key shared between
	// self (by its private key) and peer (by its public key).
	DeriveSharedKey(selfPrivate *[PrivateKeySize]byte, peerPublic *[PublicKeySize]byte) (*[SymmetricKeySize]byte, error)
}

// Cipher is the authenticated symmetric encryption boundary used to seal
// and open envelopes published on a settled topic.
type Cipher interface {
	// Seal encrypts plaintext under key, returning a self-contained
	// ciphertext (nonce included).
	Seal(key *[SymmetricKeySize]byte, plaintext []byte) ([]byte, error)

	// Open decrypts a ciphertext produced by Seal. ErrDecryptionFailure is
	// returned on any authentication failure; the caller must treat this
	// as a log-and-drop event, never a crash (spec.md §4.3.3).
	Open(key *[SymmetricKeySize]byte, ciphertext []byte) ([]byte, error)
}

// ErrDecryptionFailure is returned by Cipher.Open when the ciphertext
// fails to authenticate. It is the taxonomy's DecryptionFailure kind
// (spec.md §7): absorbed by the subscription registry, never propagated
// as a panic.
type ErrDecryptionFailure struct{}

func (ErrDecryptionFailure) Error() string { return "crypto: decryption failure" }
