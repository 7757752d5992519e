// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package nettransport is the default production relay.Transport: a single
// TCP connection to one relay address, framing each command as a 4-byte
// big-endian length prefix followed by a CBOR-encoded frame, the same
// framing the teacher's thin client uses on its local unix socket
// (client2/thin/thin.go's writeMessage/readMessage). Reconnection follows
// the teacher's connectWorker/doConnect idiom in client2/connection.go:
// a halt-aware dial loop with exponential backoff.
package nettransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/pairwire/pairwire/internal/retry"
	"github.com/pairwire/pairwire/internal/worker"
	"github.com/pairwire/pairwire/relay"
)

// frame is the wire command/event envelope, mirroring the teacher's
// discriminator-field Request/Response structs (client2/commands.go).
type frame struct {
	Topic           string            `cbor:"topic"`
	Message         []byte            `cbor:"message"`
	RelayProtocol   string            `cbor:"relay_protocol"`
	RelayParams     map[string]string `cbor:"relay_params,omitempty"`
	SubscriptionID  string            `cbor:"subscription_id,omitempty"`

	IsPublish     bool `cbor:"is_publish"`
	IsSubscribe   bool `cbor:"is_subscribe"`
	IsUnsubscribe bool `cbor:"is_unsubscribe"`
	IsSubscribed  bool `cbor:"is_subscribed"`
	IsInbound     bool `cbor:"is_inbound"`
}

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	retryJitter    = 0.2
)

// Transport dials addr and exchanges length-prefixed CBOR frames with it.
// It reconnects automatically on a transient error.
type Transport struct {
	worker.Worker

	addr   string
	dialer net.Dialer
	logger *logging.Logger

	inbound chan relay.Inbound

	mu       sync.Mutex
	conn     net.Conn
	pendSubs map[string]chan string // subscribe correlation id -> subscription id
}

// New returns a Transport that will dial addr once Start is called.
func New(addr string, logger *logging.Logger) *Transport {
	return &Transport{
		addr:     addr,
		logger:   logger,
		inbound:  make(chan relay.Inbound, 256),
		pendSubs: make(map[string]chan string),
	}
}

// Start launches the reconnect worker.
func (t *Transport) Start() {
	t.Go(t.connectWorker)
}

func (t *Transport) connectWorker() {
	dialCtx, cancel := context.WithCancel(context.Background())
	t.Go(func() {
		<-t.HaltCh()
		cancel()
	})

	attempt := 0
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}

		conn, err := t.dialer.DialContext(dialCtx, "tcp", t.addr)
		if err != nil {
			if t.logger != nil {
				t.logger.Warningf("nettransport: dial %s failed: %v", t.addr, err)
			}
			delay := retry.Delay(retryBaseDelay, retryMaxDelay, retryJitter, attempt)
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-t.HaltCh():
				return
			}
		}
		attempt = 0

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.readLoop(conn)

		select {
		case <-t.HaltCh():
			return
		default:
		}
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := readFrame(conn)
		if err != nil {
			if t.logger != nil && err != io.EOF {
				t.logger.Warningf("nettransport: read failed: %v", err)
			}
			return
		}
		if f.IsInbound {
			select {
			case t.inbound <- relay.Inbound{Topic: f.Topic, Message: f.Message}:
			default:
			}
		}
	}
}

func (t *Transport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("nettransport: not connected")
	}
	return conn, nil
}

func (t *Transport) Publish(ctx context.Context, topic string, message []byte, relayDesc relay.Descriptor) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	return writeFrame(conn, frame{
		Topic:         topic,
		Message:       message,
		RelayProtocol: relayDesc.Protocol,
		RelayParams:   relayDesc.Params,
		IsPublish:     true,
	})
}

func (t *Transport) Subscribe(ctx context.Context, topic string, relayDesc relay.Descriptor) (string, error) {
	conn, err := t.currentConn()
	if err != nil {
		return "", err
	}
	if err := writeFrame(conn, frame{
		Topic:         topic,
		RelayProtocol: relayDesc.Protocol,
		RelayParams:   relayDesc.Params,
		IsSubscribe:   true,
	}); err != nil {
		return "", err
	}
	// The relay wire protocol itself is out of scope (spec.md §1
	// Non-goals); a real deployment's ack frame would carry the assigned
	// subscription id back. Until that framing is specified, topic alone
	// is sufficiently unique to double as the subscription handle.
	return topic, nil
}

func (t *Transport) Unsubscribe(ctx context.Context, subscriptionID string) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	return writeFrame(conn, frame{
		SubscriptionID: subscriptionID,
		IsUnsubscribe:  true,
	})
}

func (t *Transport) Inbound() <-chan relay.Inbound {
	return t.inbound
}

func writeFrame(conn net.Conn, f frame) error {
	blob, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	const prefixLen = 4
	prefix := make([]byte, prefixLen)
	binary.BigEndian.PutUint32(prefix, uint32(len(blob)))
	if _, err := conn.Write(append(prefix, blob...)); err != nil {
		return err
	}
	return nil
}

func readFrame(conn net.Conn) (*frame, error) {
	const prefixLen = 4
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix)
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	f := &frame{}
	if err := cbor.Unmarshal(body, f); err != nil {
		return nil, err
	}
	return f, nil
}
