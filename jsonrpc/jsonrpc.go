// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package jsonrpc models the JSON-RPC envelope exchanged on proposal and
// settled topics. The byte-level codec is the teacher's ugorji/go/codec
// canonical JSON handle (the same one panda/client/client.go uses to
// encode/decode its own kaetzchen request/response envelope); the core
// only ever manipulates the typed Request/Response structs.
package jsonrpc

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Method is the closed set of wire JSON-RPC methods (spec.md §6).
type Method string

const (
	MethodPairingPropose     Method = "wc_pairingPropose"
	MethodPairingApprove     Method = "wc_pairingApprove"
	MethodPairingReject      Method = "wc_pairingReject"
	MethodPairingUpdate      Method = "wc_pairingUpdate"
	MethodPairingDelete      Method = "wc_pairingDelete"
	MethodPairingPing        Method = "wc_pairingPing"
	MethodPairingPayload     Method = "wc_pairingPayload"
	MethodSessionPropose     Method = "wc_sessionPropose"
	MethodSessionApprove     Method = "wc_sessionApprove"
	MethodSessionReject      Method = "wc_sessionReject"
	MethodSessionUpdate      Method = "wc_sessionUpdate"
	MethodSessionDelete      Method = "wc_sessionDelete"
	MethodSessionPing        Method = "wc_sessionPing"
	MethodSessionPayload     Method = "wc_sessionPayload"
	MethodSessionNotify      Method = "wc_sessionNotification"
	MethodSessionUpgrade     Method = "wc_sessionUpgrade"
)

// ErrorCode is the JSON-RPC 2.0 error code space; -32601 is the
// method-not-found response spec.md §4.3.3/§8 requires for unauthorized or
// unrecognized inbound methods.
type ErrorCode int

const (
	ErrCodeMethodNotFound ErrorCode = -32601
	ErrCodeInvalidParams  ErrorCode = -32602
	ErrCodeInternal       ErrorCode = -32603
	ErrCodeUnauthorized   ErrorCode = -32001
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `codec:"code"`
	Message string    `codec:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is an outbound or inbound JSON-RPC request.
type Request struct {
	ID     uint64      `codec:"id"`
	Method Method      `codec:"method"`
	Params interface{} `codec:"params"`
}

// Response is a JSON-RPC response, carrying either Result or Error.
type Response struct {
	ID     uint64      `codec:"id"`
	Result interface{} `codec:"result,omitempty"`
	Error  *Error      `codec:"error,omitempty"`
}

var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	h.ErrorIfNoField = false
	return h
}()

// Marshal encodes v (a *Request or *Response) to canonical JSON bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalRequest decodes raw into a *Request.
func UnmarshalRequest(raw []byte) (*Request, error) {
	req := &Request{}
	dec := codec.NewDecoderBytes(bytes.TrimRight(raw, "\x00"), jsonHandle)
	if err := dec.Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

// UnmarshalResponse decodes raw into a *Response.
func UnmarshalResponse(raw []byte) (*Response, error) {
	resp := &Response{}
	dec := codec.NewDecoderBytes(bytes.TrimRight(raw, "\x00"), jsonHandle)
	if err := dec.Decode(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// peekEnvelope is decoded first to tell a Request from a Response on the
// wire: a Request always carries a non-empty "method", a Response never
// does.
type peekEnvelope struct {
	ID     uint64 `codec:"id"`
	Method Method `codec:"method"`
}

// IsRequest reports whether raw is a JSON-RPC request (as opposed to a
// response), by checking for a non-empty "method" field, and returns its id
// either way. Used by the relay dispatch loop to route a decrypted envelope
// to either the pending-response waiters or the inbound-request handler.
func IsRequest(raw []byte) (isRequest bool, id uint64, err error) {
	var peek peekEnvelope
	dec := codec.NewDecoderBytes(bytes.TrimRight(raw, "\x00"), jsonHandle)
	if err := dec.Decode(&peek); err != nil {
		return false, 0, err
	}
	return peek.Method != "", peek.ID, nil
}

// DecodeParams re-decodes a decoded Request's loosely-typed Params field
// into dst, which must be a pointer. Params comes back from the generic
// decode above as a map[string]interface{}; this round-trips it through
// the same codec to populate a concrete struct.
func DecodeParams(params interface{}, dst interface{}) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, jsonHandle)
	if err := enc.Encode(params); err != nil {
		return err
	}
	dec := codec.NewDecoderBytes(buf, jsonHandle)
	return dec.Decode(dst)
}
