// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wireuri

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/perr"
)

func sampleURI() *URI {
	return &URI{
		Topic:      "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234",
		Version:    2,
		PublicKey:  "deadbeef",
		Controller: true,
		Relay:      Relay{Protocol: "waku", Params: map[string]string{"foo": "bar"}},
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	require := require.New(t)

	u := sampleURI()
	wire := Format(u)
	require.Contains(wire, "wc:")

	parsed, err := Parse(wire)
	require.NoError(err)
	require.Equal(u, parsed)

	// Formatting the reparsed value is stable (idempotent formatting).
	require.Equal(wire, Format(parsed))
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("notawc:abcd@2?controller=true")
	require.Error(t, err)
	require.IsType(t, &perr.InvalidUri{}, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"wc:abcd",
		"wc:abcd?controller=true",
		"wc:@2?controller=true",
		"wc:nothex@2?controller=true&publicKey=aa&relay=%7B%7D",
	}
	for _, c := range cases {
		_, err := Parse(c)
		require.Error(t, err, c)
	}
}

func TestParseRequiresPublicKey(t *testing.T) {
	_, err := Parse("wc:ab@2?controller=true&relay=%7B%7D")
	require.Error(t, err)
}
