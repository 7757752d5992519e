// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package pairing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/pairing"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/relay/memtransport"
	"github.com/pairwire/pairwire/sequence"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(key string) ([]byte, error) { return m.data[key], nil }
func (m *memStore) Set(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}
func (m *memStore) Del(key string) error { delete(m.data, key); return nil }
func (m *memStore) Keys(prefix string) ([]string, error) {
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
func (m *memStore) Close() error { return nil }

func newPairing(t *testing.T, hub *memtransport.Hub) (*pairing.Pairing, *events.Bus) {
	t.Helper()
	transport := memtransport.New(hub)
	client := relay.NewClient(transport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(client, 20*time.Millisecond, nil)
	reg.Start()
	t.Cleanup(reg.Halt)

	bus := events.NewBus(16)
	p := pairing.New(reg, newMemStore(), x25519glue.Default, bus, pairing.Options{})
	return p, bus
}

func waitForEvent(t *testing.T, bus *events.Bus, kind events.Kind) events.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %s", kind)
	}
	panic("unreachable")
}

func TestCreateFormatsURIAndPairSettles(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, proposerBus := newPairing(t, hub)
	responder, responderBus := newPairing(t, hub)
	ctx := context.Background()

	uri, pending, err := proposer.Create(ctx, sequence.Metadata{Name: "wallet"})
	require.NoError(err)
	require.NotEmpty(uri)
	require.True(pending.Controller)

	topic, err := responder.Pair(ctx, uri)
	require.NoError(err)
	require.Equal(pending.ProposalTopic, topic)

	waitForEvent(t, responderBus, events.PairingProposal)

	_, err = responder.Approve(ctx, topic)
	require.NoError(err)

	waitForEvent(t, proposerBus, events.PairingProposal)
	proposerCreated := waitForEvent(t, proposerBus, events.PairingCreated)
	responderCreated := waitForEvent(t, responderBus, events.PairingCreated)
	require.Equal(proposerCreated.Topic, responderCreated.Topic)

	proposerRecord, err := proposer.Get(proposerCreated.Topic)
	require.NoError(err)
	responderRecord, err := responder.Get(responderCreated.Topic)
	require.NoError(err)
	require.True(proposerRecord.Controller)
	require.False(responderRecord.Controller)
	require.Equal(proposerRecord.SymmetricKey, responderRecord.SymmetricKey)
}

func TestPairRejectedURI(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, proposerBus := newPairing(t, hub)
	responder, _ := newPairing(t, hub)
	ctx := context.Background()

	uri, _, err := proposer.Create(ctx, sequence.Metadata{})
	require.NoError(err)

	topic, err := responder.Pair(ctx, uri)
	require.NoError(err)

	waitForEvent(t, proposerBus, events.PairingProposal)
	require.NoError(responder.Reject(ctx, topic, "not interested"))

	waitForEvent(t, proposerBus, events.PairingDeleted)
	_, err = proposer.Get(topic)
	require.Error(err)
}

func TestPairMalformedURI(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	responder, _ := newPairing(t, hub)
	_, err := responder.Pair(context.Background(), "not-a-uri")
	require.Error(err)
}
