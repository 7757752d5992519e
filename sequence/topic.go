// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pairwire/pairwire/crypto"
)

// derivedTopic computes the settled topic from the shared symmetric key
// (spec.md §3: "settled topic (derived from key agreement)"). Both sides
// of a handshake compute the same sharedKey via ECDH and therefore the
// same topic without any further exchange.
func derivedTopic(sharedKey *[crypto.SymmetricKeySize]byte) string {
	sum := sha256.Sum256(sharedKey[:])
	return hex.EncodeToString(sum[:])
}
