// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/client"
	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/perr"
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

func newClient(t *testing.T, hub *memtransport.Hub) *client.Client {
	t.Helper()
	transport := memtransport.New(hub)
	rpc := relay.NewClient(transport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(rpc, 20*time.Millisecond, nil)
	reg.Start()
	t.Cleanup(reg.Halt)

	c := client.New(reg, newMemStore(), x25519glue.Default, client.Options{})
	t.Cleanup(c.Halt)
	return c
}

func waitForEvent(t *testing.T, c *client.Client, kind events.Kind) events.Event {
	t.Helper()
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

// TestConnectExistingPairingSettlesSession drives Connect's "reuse an
// already-settled pairing" branch (ConnectParams.Pairing non-empty): the
// pairing is settled directly through Pairing() first, exactly as a caller
// who already holds a settled topic would have one, then Connect proposes
// and awaits the session half of the handshake.
func TestConnectExistingPairingSettlesSession(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()
	ctx := context.Background()

	dapp := newClient(t, hub)
	wallet := newClient(t, hub)

	uri, _, err := dapp.Pairing().Create(ctx, sequence.Metadata{Name: "dapp"})
	require.NoError(err)

	walletPairingTopic, err := wallet.Pair(ctx, uri)
	require.NoError(err)

	waitForEvent(t, wallet, events.PairingProposal)
	_, err = wallet.Approve(ctx, walletPairingTopic)
	require.NoError(err)

	dappPairingCreated := waitForEvent(t, dapp, events.PairingCreated)

	// wallet approves the inbound session proposal as soon as it arrives.
	go func() {
		ev := waitForEvent(t, wallet, events.SessionProposal)
		_, _ = wallet.Approve(ctx, ev.Topic)
	}()

	sessionTopic, err := dapp.Connect(ctx, client.ConnectParams{
		Pairing:     dappPairingCreated.Topic,
		Permissions: sequence.Permissions{Methods: []string{"eth_sendTransaction"}},
		Metadata:    sequence.Metadata{Name: "dapp"},
	})
	require.NoError(err)
	require.NotEmpty(sessionTopic)

	waitForEvent(t, wallet, events.SessionCreated)
}

func TestConnectRequiresPermissions(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()
	dapp := newClient(t, hub)

	_, err := dapp.Connect(context.Background(), client.ConnectParams{})
	require.Error(err)
}

func TestPairTimeoutSurfacesPairFailed(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()
	ctx := context.Background()

	proposer := newClient(t, hub)
	responder := newClient(t, hub)

	uri, _, err := proposer.Pairing().Create(ctx, sequence.Metadata{})
	require.NoError(err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	// responder never approves; the pairing never settles before the
	// caller's own context expires, which Pair wraps as PairFailed.
	_, err = responder.Pair(shortCtx, uri)
	require.Error(err)
	var failed *perr.PairFailed
	require.ErrorAs(err, &failed)
	require.Equal(uri, failed.URI)
}
