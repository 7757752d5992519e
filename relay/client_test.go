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
)

type staticKeys struct{ key [crypto.SymmetricKeySize]byte }

func (s staticKeys) DecryptKey(topic string) (*[crypto.SymmetricKeySize]byte, bool) {
	return &s.key, true
}

func (s staticKeys) IsPlaintext(topic string) bool { return false }

type recordingHandler struct {
	requests chan *jsonrpc.Request
	failures chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		requests: make(chan *jsonrpc.Request, 8),
		failures: make(chan string, 8),
	}
}

func (h *recordingHandler) HandleRequest(topic string, req *jsonrpc.Request) {
	h.requests <- req
}

func (h *recordingHandler) HandleDecryptFailure(topic string) {
	h.failures <- topic
}

func TestClientPublishSubscribeRequest(t *testing.T) {
	require := require.New(t)

	hub := memtransport.NewHub()
	aliceTransport := memtransport.New(hub)
	bobTransport := memtransport.New(hub)

	var key [crypto.SymmetricKeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	alice := relay.NewClient(aliceTransport, x25519glue.Default, staticKeys{key}, nil)
	bob := relay.NewClient(bobTransport, x25519glue.Default, staticKeys{key}, nil)
	alice.Start()
	bob.Start()
	defer alice.Halt()
	defer bob.Halt()

	bobHandler := newRecordingHandler()
	bob.SetHandler(bobHandler)

	ctx := context.Background()
	topic := "deadbeef"
	_, err := bobTransport.Subscribe(ctx, topic, relay.Descriptor{})
	require.NoError(err)
	_, err = aliceTransport.Subscribe(ctx, topic, relay.Descriptor{})
	require.NoError(err)

	require.NoError(alice.Publish(ctx, topic, &key, &jsonrpc.Request{ID: 1, Method: jsonrpc.MethodPairingPing, Params: map[string]interface{}{}}, relay.Descriptor{}))

	select {
	case req := <-bobHandler.requests:
		require.Equal(jsonrpc.MethodPairingPing, req.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestClientRequestResponseCorrelation(t *testing.T) {
	require := require.New(t)

	hub := memtransport.NewHub()
	aliceTransport := memtransport.New(hub)
	bobTransport := memtransport.New(hub)

	var key [crypto.SymmetricKeySize]byte
	copy(key[:], []byte("fedcba9876543210fedcba9876543210"))

	alice := relay.NewClient(aliceTransport, x25519glue.Default, staticKeys{key}, nil)
	bob := relay.NewClient(bobTransport, x25519glue.Default, staticKeys{key}, nil)
	alice.Start()
	bob.Start()
	defer alice.Halt()
	defer bob.Halt()

	bobHandler := newRecordingHandler()
	bob.SetHandler(bobHandler)

	ctx := context.Background()
	topic := "cafef00d"
	_, err := bobTransport.Subscribe(ctx, topic, relay.Descriptor{})
	require.NoError(err)
	_, err = aliceTransport.Subscribe(ctx, topic, relay.Descriptor{})
	require.NoError(err)

	go func() {
		select {
		case req := <-bobHandler.requests:
			_ = bob.Respond(ctx, topic, &key, &jsonrpc.Response{ID: req.ID, Result: "ok"}, relay.Descriptor{})
		case <-time.After(time.Second):
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := alice.Request(reqCtx, topic, &key, jsonrpc.MethodPairingPing, map[string]interface{}{}, relay.Descriptor{})
	require.NoError(err)
	require.Equal("ok", resp.Result)
}

func TestClientRequestTimesOut(t *testing.T) {
	require := require.New(t)

	hub := memtransport.NewHub()
	aliceTransport := memtransport.New(hub)

	var key [crypto.SymmetricKeySize]byte
	alice := relay.NewClient(aliceTransport, x25519glue.Default, staticKeys{key}, nil)
	alice.Start()
	defer alice.Halt()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := alice.Request(ctx, "nobody-listening", &key, jsonrpc.MethodPairingPing, nil, relay.Descriptor{})
	require.Error(err)
}
