package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

var rpcSeq atomic.Int64

type rpcClient struct {
	socket      string
	dialTimeout time.Duration
}

type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Kind    string `json:"kind"`
	} `json:"error"`
	ID json.Number `json:"id"`
}

func newRPCClient(socket string) *rpcClient {
	return &rpcClient{socket: socket, dialTimeout: 5 * time.Second}
}

// call sends one request per connection and decodes the result into out.
func (c *rpcClient) call(ctx context.Context, method string, params any, out any) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.socket, err)
	}
	defer func() { _ = conn.Close() }()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	id := rpcSeq.Add(1)
	if err := json.NewEncoder(conn).Encode(rpcEnvelope{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	dec := json.NewDecoder(conn)
	dec.UseNumber()
	var reply rpcReply
	if err := dec.Decode(&reply); err != nil {
		return fmt.Errorf("%s: read reply: %w", method, err)
	}
	if reply.Error != nil {
		return &remoteError{Transport: "rpc", Code: reply.Error.Code, Kind: reply.Error.Kind, Message: reply.Error.Message}
	}
	if got := reply.ID.String(); got != fmt.Sprint(id) {
		return fmt.Errorf("%s: reply id %q does not match request %d", method, got, id)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Result, out)
}
