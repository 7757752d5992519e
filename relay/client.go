// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/pairwire/pairwire/crypto"
	"github.com/pairwire/pairwire/internal/worker"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/perr"
)

// KeyProvider resolves the decrypt key and dedup window for a subscribed
// topic. Registry is the production implementation; tests may supply a
// trivial map-backed one.
type KeyProvider interface {
	// DecryptKey returns the symmetric key for topic, or ok=false if topic
	// is not presently subscribed or has no key (see IsPlaintext).
	DecryptKey(topic string) (key *[crypto.SymmetricKeySize]byte, ok bool)

	// IsPlaintext reports whether topic is a subscribed proposal topic
	// carrying unencrypted envelopes (spec.md §4.1: "used only on
	// URI-known proposal topics pre-settle when no symmetric key exists
	// yet"). Only consulted when DecryptKey reports ok=false.
	IsPlaintext(topic string) bool
}

// Handler receives inbound JSON-RPC requests and decrypt failures that
// Client could not resolve to a pending Request() waiter. The subscription
// Registry implements this to dispatch into sequence controllers.
type Handler interface {
	HandleRequest(topic string, req *jsonrpc.Request)
	HandleDecryptFailure(topic string)
}

type pendingKey struct {
	topic string
	id    uint64
}

// Client is the RelayClient of spec.md §4.1: Transport plus the
// crypto.Cipher boundary, JSON-RPC request/response correlation, and
// per-topic dedup. It never interprets topic names or JSON-RPC methods;
// that is the sequence controllers' job, reached via Handler.
type Client struct {
	worker.Worker

	transport Transport
	cipher    crypto.Cipher
	keys      KeyProvider
	logger    *logging.Logger

	handler atomic.Value // Handler

	mu      sync.Mutex
	pending map[pendingKey]chan *jsonrpc.Response
	dedup   map[string]*dedupRing

	idMu sync.Mutex
	id   uint64
}

// NewClient constructs a Client over transport, using cipher to seal/open
// envelopes and keys to resolve a subscribed topic's decrypt key. The
// returned Client's dispatch loop is not started until Start is called.
func NewClient(transport Transport, cipher crypto.Cipher, keys KeyProvider, logger *logging.Logger) *Client {
	return &Client{
		transport: transport,
		cipher:    cipher,
		keys:      keys,
		logger:    logger,
		pending:   make(map[pendingKey]chan *jsonrpc.Response),
		dedup:     make(map[string]*dedupRing),
	}
}

// SetHandler installs h as the recipient of inbound requests and decrypt
// failures. It may be called before or after Start.
func (c *Client) SetHandler(h Handler) {
	c.handler.Store(h)
}

// Start launches the background dispatch loop that reads Transport.Inbound.
func (c *Client) Start() {
	c.Go(c.dispatchLoop)
}

// Publish encrypts v (marshaled as JSON-RPC) under key and publishes it to
// topic via relay.
func (c *Client) Publish(ctx context.Context, topic string, key *[crypto.SymmetricKeySize]byte, v interface{}, relay Descriptor) error {
	raw, err := jsonrpc.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	sealed, err := c.cipher.Seal(key, raw)
	if err != nil {
		return fmt.Errorf("relay: seal envelope: %w", err)
	}
	if err := c.transport.Publish(ctx, topic, sealed, relay); err != nil {
		return &perr.TransportUnavailable{Err: err}
	}
	return nil
}

// PublishPlain marshals v as a JSON-RPC envelope and publishes it to topic
// unencrypted. Used only for propose/approve/reject exchanges on a
// URI-known proposal topic before a symmetric key exists (spec.md §4.1).
func (c *Client) PublishPlain(ctx context.Context, topic string, v interface{}, relay Descriptor) error {
	raw, err := jsonrpc.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	if err := c.transport.Publish(ctx, topic, raw, relay); err != nil {
		return &perr.TransportUnavailable{Err: err}
	}
	return nil
}

// RequestPlain is Request without encryption, for the same pre-settle
// proposal-topic case PublishPlain covers.
func (c *Client) RequestPlain(ctx context.Context, topic string, method jsonrpc.Method, params interface{}, relay Descriptor) (*jsonrpc.Response, error) {
	req := &jsonrpc.Request{ID: c.nextRequestID(), Method: method, Params: params}

	pk := pendingKey{topic: topic, id: req.ID}
	wait := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	c.pending[pk] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, pk)
		c.mu.Unlock()
	}()

	if err := c.PublishPlain(ctx, topic, req, relay); err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return nil, &perr.RpcTimeout{Topic: topic}
	case <-c.HaltCh():
		return nil, &perr.TransportUnavailable{Err: fmt.Errorf("relay client halted")}
	}
}

// RespondPlain publishes resp on topic unencrypted.
func (c *Client) RespondPlain(ctx context.Context, topic string, resp *jsonrpc.Response, relay Descriptor) error {
	return c.PublishPlain(ctx, topic, resp, relay)
}

// Subscribe registers interest in topic. The caller (normally Registry) is
// responsible for recording the topic's decrypt key before any message for
// it can be dispatched.
func (c *Client) Subscribe(ctx context.Context, topic string, relay Descriptor) (string, error) {
	id, err := c.transport.Subscribe(ctx, topic, relay)
	if err != nil {
		return "", &perr.TransportUnavailable{Err: err}
	}
	return id, nil
}

// Unsubscribe cancels a previous Subscribe and forgets the topic's dedup
// window.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID, topic string) error {
	if err := c.transport.Unsubscribe(ctx, subscriptionID); err != nil {
		return &perr.TransportUnavailable{Err: err}
	}
	c.mu.Lock()
	delete(c.dedup, topic)
	c.mu.Unlock()
	return nil
}

// Request publishes method/params as a JSON-RPC request on topic and blocks
// until a correlated response arrives, ctx is done, or the deadline this
// repository enforces internally (via ctx) expires. On timeout it returns
// *perr.RpcTimeout.
func (c *Client) Request(ctx context.Context, topic string, key *[crypto.SymmetricKeySize]byte, method jsonrpc.Method, params interface{}, relay Descriptor) (*jsonrpc.Response, error) {
	req := &jsonrpc.Request{ID: c.nextRequestID(), Method: method, Params: params}

	pk := pendingKey{topic: topic, id: req.ID}
	wait := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	c.pending[pk] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, pk)
		c.mu.Unlock()
	}()

	if err := c.Publish(ctx, topic, key, req, relay); err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return nil, &perr.RpcTimeout{Topic: topic}
	case <-c.HaltCh():
		return nil, &perr.TransportUnavailable{Err: fmt.Errorf("relay client halted")}
	}
}

// Respond publishes resp on topic, addressed to a peer's pending Request.
func (c *Client) Respond(ctx context.Context, topic string, key *[crypto.SymmetricKeySize]byte, resp *jsonrpc.Response, relay Descriptor) error {
	return c.Publish(ctx, topic, key, resp, relay)
}

// nextRequestID combines the current time in microseconds with a
// per-client counter, so that ids from this client and from the peer on
// the same topic do not collide in either side's dedup window.
func (c *Client) nextRequestID() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.id++
	return uint64(time.Now().UnixMicro())*1000 + c.id%1000
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		case msg, ok := <-c.transport.Inbound():
			if !ok {
				return
			}
			c.handleInbound(msg)
		}
	}
}

func (c *Client) handleInbound(msg Inbound) {
	var plaintext []byte

	if key, ok := c.keys.DecryptKey(msg.Topic); ok {
		opened, err := c.cipher.Open(key, msg.Message)
		if err != nil {
			if c.logger != nil {
				c.logger.Warningf("relay: decryption failure on topic %s", msg.Topic)
			}
			if h := c.currentHandler(); h != nil {
				h.HandleDecryptFailure(msg.Topic)
			}
			return
		}
		plaintext = opened
	} else if c.keys.IsPlaintext(msg.Topic) {
		plaintext = msg.Message
	} else {
		if c.logger != nil {
			c.logger.Debugf("relay: dropping message for unknown topic %s", msg.Topic)
		}
		return
	}

	isRequest, id, err := jsonrpc.IsRequest(plaintext)
	if err != nil {
		if c.logger != nil {
			c.logger.Warningf("relay: malformed envelope on topic %s: %v", msg.Topic, err)
		}
		return
	}

	if isRequest {
		// Only requests go through the dedup window: a response carries its
		// request's id, which this client has already seen on its own echo.
		if c.dedupSeen(msg.Topic, id) {
			if c.logger != nil {
				c.logger.Debugf("relay: dropping duplicate envelope id %d on topic %s", id, msg.Topic)
			}
			return
		}
		req, err := jsonrpc.UnmarshalRequest(plaintext)
		if err != nil {
			if c.logger != nil {
				c.logger.Warningf("relay: malformed request on topic %s: %v", msg.Topic, err)
			}
			return
		}
		if h := c.currentHandler(); h != nil {
			h.HandleRequest(msg.Topic, req)
		}
		return
	}

	resp, err := jsonrpc.UnmarshalResponse(plaintext)
	if err != nil {
		if c.logger != nil {
			c.logger.Warningf("relay: malformed response on topic %s: %v", msg.Topic, err)
		}
		return
	}

	pk := pendingKey{topic: msg.Topic, id: resp.ID}
	c.mu.Lock()
	wait, ok := c.pending[pk]
	c.mu.Unlock()
	if !ok {
		if c.logger != nil {
			c.logger.Debugf("relay: response for id %d on topic %s has no waiter", resp.ID, msg.Topic)
		}
		return
	}
	select {
	case wait <- resp:
	default:
	}
}

func (c *Client) dedupSeen(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.dedup[topic]
	if !ok {
		ring = newDedupRing(DefaultDedupWindow)
		c.dedup[topic] = ring
	}
	return ring.seenBefore(id)
}

func (c *Client) currentHandler() Handler {
	h, _ := c.handler.Load().(Handler)
	return h
}
