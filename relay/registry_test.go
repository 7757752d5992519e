// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/relay/memtransport"
	"github.com/pairwire/pairwire/store"
)

type recordingDispatcher struct {
	requests chan *jsonrpc.Request
	expired  chan string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		requests: make(chan *jsonrpc.Request, 8),
		expired:  make(chan string, 8),
	}
}

func (d *recordingDispatcher) HandleRequest(topic string, req *jsonrpc.Request) { d.requests <- req }
func (d *recordingDispatcher) HandleDecryptFailure(topic string)                {}
func (d *recordingDispatcher) HandleExpired(topic string)                      { d.expired <- topic }

func TestRegistryRoutesByKind(t *testing.T) {
	require := require.New(t)

	hub := memtransport.NewHub()
	peerTransport := memtransport.New(hub)
	ownTransport := memtransport.New(hub)

	var key [crypto.SymmetricKeySize]byte
	copy(key[:], []byte("abcdefabcdefabcdefabcdefabcdefab"))

	ownClient := relay.NewClient(ownTransport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(ownClient, 50*time.Millisecond, nil)
	reg.Start()
	defer reg.Halt()

	dispatcher := newRecordingDispatcher()
	reg.RegisterDispatcher(store.KindPairing, dispatcher)

	ctx := context.Background()
	topic := "abad1dea"
	require.NoError(reg.Subscribe(ctx, topic, key, time.Time{}, store.KindPairing, relay.Descriptor{}))

	peerClient := relay.NewClient(peerTransport, x25519glue.Default, nil, nil)
	_, err := peerTransport.Subscribe(ctx, topic, relay.Descriptor{})
	require.NoError(err)
	require.NoError(peerClient.Publish(ctx, topic, &key, &jsonrpc.Request{ID: 7, Method: jsonrpc.MethodPairingPropose}, relay.Descriptor{}))

	select {
	case req := <-dispatcher.requests:
		require.Equal(jsonrpc.MethodPairingPropose, req.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched request")
	}
}

func TestRegistrySweepExpiresSubscription(t *testing.T) {
	require := require.New(t)

	hub := memtransport.NewHub()
	ownTransport := memtransport.New(hub)

	ownClient := relay.NewClient(ownTransport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(ownClient, 10*time.Millisecond, nil)
	reg.Start()
	defer reg.Halt()

	dispatcher := newRecordingDispatcher()
	reg.RegisterDispatcher(store.KindSession, dispatcher)

	var key [crypto.SymmetricKeySize]byte
	ctx := context.Background()
	topic := "feedface"
	require.NoError(reg.Subscribe(ctx, topic, key, time.Now().Add(5*time.Millisecond), store.KindSession, relay.Descriptor{}))

	select {
	case expiredTopic := <-dispatcher.expired:
		require.Equal(topic, expiredTopic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry sweep")
	}

	_, ok := reg.DecryptKey(topic)
	require.False(ok)
}
