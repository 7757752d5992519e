// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/internal/worker"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/perr"
	"github.com/pairwire/pairwire/store"
)

func topicNotFound(topic string) error {
	return &perr.NoMatchingTopic{Topic: topic}
}

// DefaultSweepInterval is how often Registry scans for expired
// subscriptions (spec.md §4.2).
const DefaultSweepInterval = 1 * time.Second

// subscription is one entry of the registry: a topic's subscription id,
// decrypt key, expiry, and which sequence kind owns it.
type subscription struct {
	subscriptionID string
	decryptKey     [crypto.SymmetricKeySize]byte
	plaintext      bool
	expiry         time.Time
	kind           store.SequenceKind
	relay          Descriptor
}

// Dispatcher receives inbound requests and decrypt failures for topics
// owned by one SequenceKind. Pairing and Session controllers each register
// themselves as the Dispatcher for their kind.
type Dispatcher interface {
	HandleRequest(topic string, req *jsonrpc.Request)
	HandleDecryptFailure(topic string)
	// HandleExpired is invoked by the sweep when a subscription outlives
	// its expiry (spec.md §4.2, §7 "Expired").
	HandleExpired(topic string)
}

// Registry is the Subscription of spec.md §4.2: it tracks which topics are
// currently live, their decrypt keys and expiries, and routes inbound
// traffic to the Dispatcher registered for the topic's SequenceKind. It
// implements relay.KeyProvider and relay.Handler so a Client can be driven
// directly by it.
type Registry struct {
	worker.Worker

	client        *Client
	sweepInterval time.Duration
	logger        *logging.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	dispatchers   map[store.SequenceKind]Dispatcher
}

// NewRegistry constructs a Registry driving client. sweepInterval <= 0 uses
// DefaultSweepInterval.
func NewRegistry(client *Client, sweepInterval time.Duration, logger *logging.Logger) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r := &Registry{
		client:        client,
		sweepInterval: sweepInterval,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
		dispatchers:   make(map[store.SequenceKind]Dispatcher),
	}
	client.keys = r
	client.SetHandler(r)
	return r
}

// RegisterDispatcher installs d as the handler for every topic of kind.
func (r *Registry) RegisterDispatcher(kind store.SequenceKind, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[kind] = d
}

// Start launches the client dispatch loop and the expiry sweep.
func (r *Registry) Start() {
	r.client.Start()
	r.Go(r.sweepLoop)
}

// Subscribe subscribes to topic via the underlying Client, recording its
// decrypt key, expiry, and owning kind so inbound traffic on topic is
// routed to kind's Dispatcher.
func (r *Registry) Subscribe(ctx context.Context, topic string, key [crypto.SymmetricKeySize]byte, expiry time.Time, kind store.SequenceKind, relay Descriptor) error {
	return r.subscribe(ctx, topic, key, false, expiry, kind, relay)
}

// SubscribePlain subscribes to a URI-known proposal topic before any
// symmetric key exists (spec.md §4.1): inbound envelopes on topic are
// dispatched without attempting decryption.
func (r *Registry) SubscribePlain(ctx context.Context, topic string, expiry time.Time, kind store.SequenceKind, relay Descriptor) error {
	var zero [crypto.SymmetricKeySize]byte
	return r.subscribe(ctx, topic, zero, true, expiry, kind, relay)
}

func (r *Registry) subscribe(ctx context.Context, topic string, key [crypto.SymmetricKeySize]byte, plaintext bool, expiry time.Time, kind store.SequenceKind, relay Descriptor) error {
	subID, err := r.client.Subscribe(ctx, topic, relay)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subscriptions[topic] = &subscription{
		subscriptionID: subID,
		decryptKey:     key,
		plaintext:      plaintext,
		expiry:         expiry,
		kind:           kind,
		relay:          relay,
	}
	r.mu.Unlock()
	return nil
}

// Unsubscribe drops topic from the registry and cancels its subscription.
func (r *Registry) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	sub, ok := r.subscriptions[topic]
	delete(r.subscriptions, topic)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.client.Unsubscribe(ctx, sub.subscriptionID, topic)
}

// Extend updates topic's expiry without resubscribing. Nothing in this
// repository calls it; Update and Upgrade leave the expiry unchanged.
func (r *Registry) Extend(topic string, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subscriptions[topic]; ok {
		sub.expiry = expiry
	}
}

// Publish seals (or, on a plaintext proposal topic, sends as-is) and
// publishes v on topic using the topic's recorded key. Returns
// *perr.NoMatchingTopic if topic is not subscribed.
func (r *Registry) Publish(ctx context.Context, topic string, v interface{}) error {
	sub, err := r.lookup(topic)
	if err != nil {
		return err
	}
	if sub.plaintext {
		return r.client.PublishPlain(ctx, topic, v, sub.relay)
	}
	return r.client.Publish(ctx, topic, &sub.decryptKey, v, sub.relay)
}

// Request issues a correlated JSON-RPC request on topic using its recorded
// key, per spec.md §4.1.
func (r *Registry) Request(ctx context.Context, topic string, method jsonrpc.Method, params interface{}) (*jsonrpc.Response, error) {
	sub, err := r.lookup(topic)
	if err != nil {
		return nil, err
	}
	if sub.plaintext {
		return r.client.RequestPlain(ctx, topic, method, params, sub.relay)
	}
	return r.client.Request(ctx, topic, &sub.decryptKey, method, params, sub.relay)
}

// Respond publishes resp on topic using its recorded key.
func (r *Registry) Respond(ctx context.Context, topic string, resp *jsonrpc.Response) error {
	sub, err := r.lookup(topic)
	if err != nil {
		return err
	}
	if sub.plaintext {
		return r.client.RespondPlain(ctx, topic, resp, sub.relay)
	}
	return r.client.Respond(ctx, topic, &sub.decryptKey, resp, sub.relay)
}

func (r *Registry) lookup(topic string) (*subscription, error) {
	r.mu.Lock()
	sub, ok := r.subscriptions[topic]
	r.mu.Unlock()
	if !ok {
		return nil, topicNotFound(topic)
	}
	return sub, nil
}

// DecryptKey implements relay.KeyProvider.
func (r *Registry) DecryptKey(topic string) (*[crypto.SymmetricKeySize]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[topic]
	if !ok || sub.plaintext {
		return nil, false
	}
	return &sub.decryptKey, true
}

// IsPlaintext implements relay.KeyProvider.
func (r *Registry) IsPlaintext(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[topic]
	return ok && sub.plaintext
}

// HandleRequest implements relay.Handler, routing to the Dispatcher
// registered for topic's kind.
func (r *Registry) HandleRequest(topic string, req *jsonrpc.Request) {
	d := r.dispatcherFor(topic)
	if d == nil {
		return
	}
	d.HandleRequest(topic, req)
}

// HandleDecryptFailure implements relay.Handler.
func (r *Registry) HandleDecryptFailure(topic string) {
	if d := r.dispatcherFor(topic); d != nil {
		d.HandleDecryptFailure(topic)
	}
}

func (r *Registry) dispatcherFor(topic string) Dispatcher {
	r.mu.Lock()
	sub, ok := r.subscriptions[topic]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	d := r.dispatchers[sub.kind]
	r.mu.Unlock()
	return d
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	var expired []struct {
		topic string
		kind  store.SequenceKind
		subID string
	}

	r.mu.Lock()
	for topic, sub := range r.subscriptions {
		if !sub.expiry.IsZero() && now.After(sub.expiry) {
			expired = append(expired, struct {
				topic string
				kind  store.SequenceKind
				subID string
			}{topic, sub.kind, sub.subscriptionID})
			delete(r.subscriptions, topic)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		if err := r.client.Unsubscribe(context.Background(), e.subID, e.topic); err != nil && r.logger != nil {
			r.logger.Debugf("relay: unsubscribe expired topic %s: %v", e.topic, err)
		}
		r.mu.Lock()
		d := r.dispatchers[e.kind]
		r.mu.Unlock()
		if d != nil {
			d.HandleExpired(e.topic)
		}
	}
}
