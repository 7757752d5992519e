// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package sequence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/events"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/perr"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/relay/memtransport"
	"github.com/pairwire/pairwire/sequence"
	"github.com/pairwire/pairwire/store"
)

func testConfig() sequence.Config {
	return sequence.Config{
		Kind:          store.KindPairing,
		DefaultTTL:    time.Minute,
		MethodPropose: jsonrpc.MethodPairingPropose,
		MethodApprove: jsonrpc.MethodPairingApprove,
		MethodReject:  jsonrpc.MethodPairingReject,
		MethodUpdate:  jsonrpc.MethodPairingUpdate,
		MethodDelete:  jsonrpc.MethodPairingDelete,
		MethodPing:    jsonrpc.MethodPairingPing,
		MethodPayload: jsonrpc.MethodPairingPayload,
		DefaultPermissions: sequence.Permissions{
			Methods: []string{string(jsonrpc.MethodSessionPropose)},
		},
		EventProposal: events.PairingProposal,
		EventCreated:  events.PairingCreated,
		EventUpdated:  events.PairingUpdated,
		EventDeleted:  events.PairingDeleted,
	}
}

// sessionLikeConfig exercises the Notify/Payload paths, which Pairing's
// Config leaves at their zero MethodNotify/EventNotification/EventPayload.
func sessionLikeConfig() sequence.Config {
	cfg := testConfig()
	cfg.Kind = store.KindSession
	cfg.MethodPropose = jsonrpc.MethodSessionPropose
	cfg.MethodApprove = jsonrpc.MethodSessionApprove
	cfg.MethodReject = jsonrpc.MethodSessionReject
	cfg.MethodUpdate = jsonrpc.MethodSessionUpdate
	cfg.MethodDelete = jsonrpc.MethodSessionDelete
	cfg.MethodPing = jsonrpc.MethodSessionPing
	cfg.MethodPayload = jsonrpc.MethodSessionPayload
	cfg.MethodNotify = jsonrpc.MethodSessionNotify
	cfg.MethodUpgrade = jsonrpc.MethodSessionUpgrade
	cfg.DefaultPermissions = sequence.Permissions{
		Methods:       []string{"eth_sign"},
		Notifications: []string{"chainChanged"},
	}
	cfg.EventProposal = events.SessionProposal
	cfg.EventCreated = events.SessionCreated
	cfg.EventUpdated = events.SessionUpdated
	cfg.EventUpgraded = events.SessionUpgraded
	cfg.EventDeleted = events.SessionDeleted
	cfg.EventPayload = events.SessionPayload
	cfg.EventNotification = events.SessionNotification
	return cfg
}

// settleSession is settlePair's sessionLikeConfig counterpart: settles a
// pair of harnesses configured as a session rather than a pairing.
func settleSession(t *testing.T, hub *memtransport.Hub) (proposer, responder *harness, proposerTopic, responderTopic string) {
	t.Helper()
	require := require.New(t)

	cfg := sessionLikeConfig()
	proposer = newHarnessWithConfig(t, hub, cfg)
	responder = newHarnessWithConfig(t, hub, cfg)
	ctx := context.Background()

	require.NoError(responder.controller.AwaitProposal(ctx, testTopic, relay.Descriptor{}))
	_, err := proposer.controller.Create(ctx, testTopic, relay.Descriptor{}, cfg.DefaultPermissions, sequence.Metadata{})
	require.NoError(err)
	waitForEvent(t, responder.bus, events.SessionProposal)
	_, err = responder.controller.Respond(ctx, testTopic, true, "")
	require.NoError(err)

	proposerCreated := waitForEvent(t, proposer.bus, events.SessionCreated)
	responderCreated := waitForEvent(t, responder.bus, events.SessionCreated)
	return proposer, responder, proposerCreated.Topic, responderCreated.Topic
}

type harness struct {
	registry   *relay.Registry
	controller *sequence.Controller
	bus        *events.Bus
	store      *memStore
}

func newHarnessWithConfig(t *testing.T, hub *memtransport.Hub, cfg sequence.Config) *harness {
	t.Helper()
	transport := memtransport.New(hub)
	client := relay.NewClient(transport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(client, 20*time.Millisecond, nil)
	reg.Start()
	t.Cleanup(reg.Halt)

	bus := events.NewBus(16)
	mem := newMemStore()
	ctrl := sequence.New(cfg, reg, mem, x25519glue.Default, bus, nil)
	return &harness{registry: reg, controller: ctrl, bus: bus, store: mem}
}

func newHarness(t *testing.T, hub *memtransport.Hub) *harness {
	return newHarnessWithConfig(t, hub, testConfig())
}

func waitForEvent(t *testing.T, bus *events.Bus, kind events.Kind) events.Event {
	t.Helper()
	for {
		select {
		case ev := <-bus.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

const testTopic = "abad1deaabad1deaabad1deaabad1dea"

func settlePair(t *testing.T, hub *memtransport.Hub) (proposer, responder *harness, proposerTopic, responderTopic string) {
	t.Helper()
	require := require.New(t)

	proposer = newHarness(t, hub)
	responder = newHarness(t, hub)
	ctx := context.Background()

	require.NoError(responder.controller.AwaitProposal(ctx, testTopic, relay.Descriptor{}))

	_, err := proposer.controller.Create(ctx, testTopic, relay.Descriptor{},
		sequence.Permissions{Methods: []string{string(jsonrpc.MethodSessionPropose)}},
		sequence.Metadata{Name: "wallet"})
	require.NoError(err)

	waitForEvent(t, responder.bus, events.PairingProposal)

	_, err = responder.controller.Respond(ctx, testTopic, true, "")
	require.NoError(err)

	proposerCreated := waitForEvent(t, proposer.bus, events.PairingCreated)
	responderCreated := waitForEvent(t, responder.bus, events.PairingCreated)

	return proposer, responder, proposerCreated.Topic, responderCreated.Topic
}

func TestCreateRespondSettles(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, responder, proposerTopic, responderTopic := settlePair(t, hub)

	require.Equal(proposerTopic, responderTopic, "both sides must derive the same settled topic")

	proposerRecord, err := proposer.controller.Get(proposerTopic)
	require.NoError(err)
	require.True(proposerRecord.Controller, "the Create caller retains the controller role")

	responderRecord, err := responder.controller.Get(responderTopic)
	require.NoError(err)
	require.False(responderRecord.Controller)

	require.Equal(proposerRecord.SymmetricKey, responderRecord.SymmetricKey)
}

func TestRespondReject(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer := newHarness(t, hub)
	responder := newHarness(t, hub)
	ctx := context.Background()

	require.NoError(responder.controller.AwaitProposal(ctx, testTopic, relay.Descriptor{}))
	_, err := proposer.controller.Create(ctx, testTopic, relay.Descriptor{}, sequence.Permissions{}, sequence.Metadata{})
	require.NoError(err)

	waitForEvent(t, responder.bus, events.PairingProposal)

	rec, err := responder.controller.Respond(ctx, testTopic, false, "no thanks")
	require.NoError(err)
	require.Nil(rec)

	ev := waitForEvent(t, proposer.bus, events.PairingDeleted)
	require.Equal(testTopic, ev.Topic)

	_, err = proposer.controller.Get(testTopic)
	require.Error(err)
	require.IsType(&perr.NoMatchingTopic{}, err)
}

func TestUpdateRequiresController(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, responder, topic, _ := settlePair(t, hub)

	newMeta := sequence.Metadata{Name: "updated wallet"}
	_, err := proposer.controller.Update(context.Background(), topic, &newMeta, nil)
	require.NoError(err)

	waitForEvent(t, proposer.bus, events.PairingUpdated)
	waitForEvent(t, responder.bus, events.PairingUpdated)

	responderRecord, err := responder.controller.Get(topic)
	require.NoError(err)
	require.Equal("updated wallet", responderRecord.Peer.Metadata.Name)

	_, err = responder.controller.Update(context.Background(), topic, &newMeta, nil)
	require.Error(err)
	require.IsType(&perr.UnauthorizedUpdate{}, err)
}

func TestDeleteIsIdempotentAndPropagates(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, responder, topic, _ := settlePair(t, hub)

	require.NoError(proposer.controller.Delete(context.Background(), topic, "done"))
	waitForEvent(t, responder.bus, events.PairingDeleted)

	_, err := proposer.controller.Get(topic)
	require.IsType(&perr.NoMatchingTopic{}, err)

	// deleting again is a no-op, not an error
	require.NoError(proposer.controller.Delete(context.Background(), topic, "done"))
}

func TestNotifyPermissions(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	cfg := sessionLikeConfig()
	proposer := newHarnessWithConfig(t, hub, cfg)
	responder := newHarnessWithConfig(t, hub, cfg)
	ctx := context.Background()

	require.NoError(responder.controller.AwaitProposal(ctx, testTopic, relay.Descriptor{}))
	_, err := proposer.controller.Create(ctx, testTopic, relay.Descriptor{}, cfg.DefaultPermissions, sequence.Metadata{})
	require.NoError(err)
	waitForEvent(t, responder.bus, events.SessionProposal)
	_, err = responder.controller.Respond(ctx, testTopic, true, "")
	require.NoError(err)
	proposerCreated := waitForEvent(t, proposer.bus, events.SessionCreated)
	waitForEvent(t, responder.bus, events.SessionCreated)

	require.NoError(proposer.controller.Notify(ctx, proposerCreated.Topic, "chainChanged", map[string]string{"chain": "eip155:1"}))
	ev := waitForEvent(t, responder.bus, events.SessionNotification)
	require.Equal("chainChanged", ev.Payload.(events.NotificationPayload).Type)

	err = proposer.controller.Notify(ctx, proposerCreated.Topic, "unapprovedType", nil)
	require.Error(err)
	require.IsType(&perr.UnauthorizedNotificationType{}, err)
}

func TestGetMissingTopic(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()
	h := newHarness(t, hub)

	_, err := h.controller.Get("no-such-topic")
	require.Error(err)
	require.IsType(&perr.NoMatchingTopic{}, err)
}

func TestInitRehydratesSettledRecords(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, _, topic, _ := settlePair(t, hub)

	// Simulate a restart: a fresh Controller sharing the same backing
	// store and a fresh Registry/Client pair.
	transport := memtransport.New(hub)
	client := relay.NewClient(transport, x25519glue.Default, nil, nil)
	reg := relay.NewRegistry(client, 20*time.Millisecond, nil)
	reg.Start()
	t.Cleanup(reg.Halt)

	bus := events.NewBus(16)
	restarted := sequence.New(testConfig(), reg, proposer.store, x25519glue.Default, bus, nil)

	require.NoError(restarted.Init(context.Background()))

	rec, err := restarted.Get(topic)
	require.NoError(err)
	require.True(rec.Controller)
}

func TestUpgradeMergesPermissions(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer, responder, topic, _ := settleSession(t, hub)

	rec, err := proposer.controller.Upgrade(context.Background(), topic, sequence.Permissions{
		Methods: []string{"eth_sendTransaction"},
	})
	require.NoError(err)
	require.ElementsMatch([]string{"eth_sign", "eth_sendTransaction"}, rec.Permissions.Methods)

	ev := waitForEvent(t, responder.bus, events.SessionUpgraded)
	payload := ev.Payload.(events.UpgradedPayload)
	merged := payload.Permissions.(sequence.Permissions)
	require.ElementsMatch([]string{"eth_sign", "eth_sendTransaction"}, merged.Methods)

	responderRecord, err := responder.controller.Get(topic)
	require.NoError(err)
	require.ElementsMatch([]string{"eth_sign", "eth_sendTransaction"}, responderRecord.Permissions.Methods)

	// the non-controller side may not initiate an upgrade.
	_, err = responder.controller.Upgrade(context.Background(), topic, sequence.Permissions{Methods: []string{"eth_decrypt"}})
	require.Error(err)
	require.IsType(&perr.UnauthorizedUpdate{}, err)
}

// TestConcurrentRespondExactlyOneSettles exercises spec.md §8 scenario 6:
// two concurrent respond calls against the same pending proposal must
// result in exactly one pairing.created and one ProposalAlreadyResponded.
func TestConcurrentRespondExactlyOneSettles(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	proposer := newHarness(t, hub)
	responder := newHarness(t, hub)
	ctx := context.Background()

	require.NoError(responder.controller.AwaitProposal(ctx, testTopic, relay.Descriptor{}))
	_, err := proposer.controller.Create(ctx, testTopic, relay.Descriptor{},
		sequence.Permissions{Methods: []string{string(jsonrpc.MethodSessionPropose)}},
		sequence.Metadata{})
	require.NoError(err)
	waitForEvent(t, responder.bus, events.PairingProposal)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := responder.controller.Respond(ctx, testTopic, true, "")
			results[i] = err
		}(i)
	}
	wg.Wait()

	var successes, alreadyResponded int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case err != nil:
			require.IsType(&perr.ProposalAlreadyResponded{}, err)
			alreadyResponded++
		}
	}
	require.Equal(1, successes, "exactly one concurrent respond call must settle")
	require.Equal(1, alreadyResponded, "the loser must observe ProposalAlreadyResponded")

	waitForEvent(t, proposer.bus, events.PairingCreated)
}

// TestInboundMethodOutsidePermissionsRejected exercises spec.md §8 scenario
// 3: an inbound application method outside the session's permissions is
// answered with ErrCodeMethodNotFound and never emits session.payload.
func TestInboundMethodOutsidePermissionsRejected(t *testing.T) {
	require := require.New(t)
	hub := memtransport.NewHub()

	_, responder, _, topic := settleSession(t, hub)

	resp, err := responder.registry.Request(context.Background(), topic, jsonrpc.Method("eth_sendTransaction"), map[string]string{"to": "0xdead"})
	require.NoError(err)
	require.NotNil(resp.Error)
	require.Equal(jsonrpc.ErrCodeMethodNotFound, resp.Error.Code)

	select {
	case ev := <-responder.bus.Events():
		t.Fatalf("unexpected event on disallowed method: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
