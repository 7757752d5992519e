// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package x25519glue is the default implementation of the crypto.KeyAgreement
// and crypto.Cipher boundary: X25519 key agreement and secretbox
// authenticated encryption, the same combination the teacher's own
// rendezvous key exchange (panda/crypto/panda.go) uses for its peer-to-peer
// handshake.
package x25519glue

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/pairwire/pairwire/crypto"
)

const nonceSize = 24

// Default is the package-level KeyAgreement + Cipher implementation.
var Default = New(rand.Reader)

// Glue implements crypto.KeyAgreement and crypto.Cipher.
type Glue struct {
	rng io.Reader
}

// New returns a Glue reading ephemeral key material from rng.
func New(rng io.Reader) *Glue {
	return &Glue{rng: rng}
}

var (
	_ crypto.KeyAgreement = (*Glue)(nil)
	_ crypto.Cipher       = (*Glue)(nil)
)

// GenerateKeypair returns a freshly generated X25519 keypair.
func (g *Glue) GenerateKeypair() (*crypto.KeyPair, error) {
	kp := &crypto.KeyPair{}
	if _, err := io.ReadFull(g.rng, kp.PrivateKey[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// DeriveSharedKey performs the X25519 Diffie-Hellman operation between
// selfPrivate and peerPublic.
func (g *Glue) DeriveSharedKey(selfPrivate *[crypto.PrivateKeySize]byte, peerPublic *[crypto.PublicKeySize]byte) (*[crypto.SymmetricKeySize]byte, error) {
	shared, err := curve25519.X25519(selfPrivate[:], peerPublic[:])
	if err != nil {
		return nil, err
	}
	out := &[crypto.SymmetricKeySize]byte{}
	copy(out[:], shared)
	return out, nil
}

// Seal encrypts plaintext with a fresh random nonce prepended to the
// ciphertext, using secretbox (XSalsa20-Poly1305).
func (g *Glue) Seal(key *[crypto.SymmetricKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(g.rng, nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return sealed, nil
}

// Open decrypts a ciphertext produced by Seal.
func (g *Glue) Open(key *[crypto.SymmetricKeySize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, crypto.ErrDecryptionFailure{}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, crypto.ErrDecryptionFailure{}
	}
	return plaintext, nil
}
