// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wireuri parses and formats the pairing URI described in spec.md
// §6:
//
//	wc:{topic}@{version}?controller={bool}&publicKey={hex}&relay={urlencoded json}
package wireuri

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pairwire/pairwire/perr"
)

const scheme = "wc"

// Relay is the relay descriptor embedded in the URI's relay= query param.
type Relay struct {
	Protocol string            `json:"protocol"`
	Params   map[string]string `json:"params,omitempty"`
}

// URI is the parsed form of a pairing URI.
type URI struct {
	Topic      string
	Version    int
	PublicKey  string
	Controller bool
	Relay      Relay
}

// Format renders u back into its wire representation. Format(Parse(s)) == s
// for any well-formed URI (spec.md §8 round-trip law), modulo query
// parameter ordering, which Format fixes deterministically.
func Format(u *URI) string {
	relayJSON, _ := json.Marshal(u.Relay)

	q := url.Values{}
	q.Set("controller", strconv.FormatBool(u.Controller))
	q.Set("publicKey", u.PublicKey)
	q.Set("relay", string(relayJSON))

	return fmt.Sprintf("%s:%s@%d?%s", scheme, u.Topic, u.Version, encodeValuesStable(q))
}

// encodeValuesStable renders q in a fixed field order (controller,
// publicKey, relay) rather than url.Values.Encode()'s alphabetical order,
// matching the wire format's documented field order in spec.md §6.
func encodeValuesStable(q url.Values) string {
	order := []string{"controller", "publicKey", "relay"}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		if v := q.Get(k); v != "" {
			parts = append(parts, k+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// Parse parses a pairing URI. It returns *perr.InvalidUri on any malformed
// input.
func Parse(raw string) (*URI, error) {
	if !strings.HasPrefix(raw, scheme+":") {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("missing %q scheme", scheme)}
	}
	rest := raw[len(scheme)+1:]

	at := strings.IndexByte(rest, '@')
	q := strings.IndexByte(rest, '?')
	if at < 0 || q < 0 || q < at {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("malformed uri %q", raw)}
	}

	topic := rest[:at]
	versionStr := rest[at+1 : q]
	query := rest[q+1:]

	if topic == "" {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("empty topic")}
	}
	if _, err := hex.DecodeString(topic); err != nil {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("topic not hex: %w", err)}
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("bad version: %w", err)}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, &perr.InvalidUri{Err: err}
	}

	controller, err := strconv.ParseBool(values.Get("controller"))
	if err != nil {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("bad controller flag: %w", err)}
	}

	publicKey := values.Get("publicKey")
	if publicKey == "" {
		return nil, &perr.InvalidUri{Err: fmt.Errorf("missing publicKey")}
	}

	var relay Relay
	if raw := values.Get("relay"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &relay); err != nil {
			return nil, &perr.InvalidUri{Err: fmt.Errorf("bad relay param: %w", err)}
		}
	}

	return &URI{
		Topic:      topic,
		Version:    version,
		PublicKey:  publicKey,
		Controller: controller,
		Relay:      relay,
	}, nil
}
