// Package consusclient is a minimal synchronous client for the wire
// protocol of spec.md §6 client<->TM messages. Wire framing, connection
// pooling, and a full client C API are explicit non-goals (spec.md §1);
// this gives cmd/consus-bench just enough of a client to drive the commit
// path end to end for a load test.
package consusclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"consus/internal/txid"
	"consus/internal/wire"
)

// Client holds one open transaction against one home TM over one
// persistent connection, replying to itself on the same listener it also
// uses to accept the TM's asynchronous final-disposition message.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	selfAddr string
	pending  map[uint64]chan wire.ClientResponse
}

// Dial opens a connection to a TM at addr and starts a local listener at
// listenAddr (must be reachable from the TM) for asynchronous commit/abort
// dispositions (spec.md §4.1's client replies are not always synchronous
// with the request that triggers them).
func Dial(addr, listenAddr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("consusclient: dial %s: %w", addr, err)
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consusclient: listen %s: %w", listenAddr, err)
	}
	c := &Client{conn: conn, listener: ln, selfAddr: ln.Addr().String(), pending: make(map[uint64]chan wire.ClientResponse)}
	go c.acceptLoop()
	return c, nil
}

func (c *Client) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.readLoop(conn)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if env, decErr := wire.Decode([]byte(line)); decErr == nil && env.Resp != nil {
				c.deliver(*env.Resp)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) deliver(resp wire.ClientResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Nonce]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) register(nonce uint64) chan wire.ClientResponse {
	ch := make(chan wire.ClientResponse, 1)
	c.mu.Lock()
	c.pending[nonce] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) forget(nonce uint64) {
	c.mu.Lock()
	delete(c.pending, nonce)
	c.mu.Unlock()
}

func (c *Client) send(env *wire.Envelope) error {
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

func (c *Client) await(ctx context.Context, nonce uint64) (wire.ClientResponse, error) {
	ch := c.register(nonce)
	defer c.forget(nonce)
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return wire.ClientResponse{}, ctx.Err()
	}
}

// Begin opens a transaction and waits for its txid and home-group members.
func (c *Client) Begin(ctx context.Context, nonce uint64) (txid.TxnID, []string, wire.Code, error) {
	if err := c.send(&wire.Envelope{Type: wire.MsgTxmanBegin, Begin: &wire.TxmanBegin{Nonce: nonce, ClientAddr: c.selfAddr}}); err != nil {
		return txid.TxnID{}, nil, wire.CodeUnavailable, err
	}
	resp, err := c.await(ctx, nonce)
	if err != nil {
		return txid.TxnID{}, nil, wire.CodeTimeout, err
	}
	return resp.Txn, resp.Members, resp.Code, nil
}

// Read issues TXMAN_READ and waits for its (code, timestamp, value).
func (c *Client) Read(ctx context.Context, tid txid.TxnID, seqno int, nonce uint64, table, key string) (wire.Code, int64, []byte, error) {
	op := wire.TxmanOp{Type: wire.MsgTxmanRead, Txn: tid, Nonce: nonce, Seqno: seqno, Table: table, Key: key, ClientAddr: c.selfAddr}
	if err := c.send(&wire.Envelope{Type: wire.MsgTxmanRead, Op: &op}); err != nil {
		return wire.CodeUnavailable, 0, nil, err
	}
	resp, err := c.await(ctx, nonce)
	if err != nil {
		return wire.CodeTimeout, 0, nil, err
	}
	return resp.Code, resp.Timestamp, resp.Value, nil
}

// Write issues TXMAN_WRITE and waits for its code.
func (c *Client) Write(ctx context.Context, tid txid.TxnID, seqno int, nonce uint64, table, key string, value []byte) (wire.Code, error) {
	op := wire.TxmanOp{Type: wire.MsgTxmanWrite, Txn: tid, Nonce: nonce, Seqno: seqno, Table: table, Key: key, Value: value, ClientAddr: c.selfAddr}
	if err := c.send(&wire.Envelope{Type: wire.MsgTxmanWrite, Op: &op}); err != nil {
		return wire.CodeUnavailable, err
	}
	resp, err := c.await(ctx, nonce)
	if err != nil {
		return wire.CodeTimeout, err
	}
	return resp.Code, nil
}

// Commit issues TXMAN_COMMIT and waits for the transaction's final
// disposition (spec.md §4.1: delivered once the voters decide, which may
// be well after the PREPARE operation itself went durable).
func (c *Client) Commit(ctx context.Context, tid txid.TxnID, seqno int, nonce uint64) (wire.Code, error) {
	op := wire.TxmanOp{Type: wire.MsgTxmanCommit, Txn: tid, Nonce: nonce, Seqno: seqno, ClientAddr: c.selfAddr}
	if err := c.send(&wire.Envelope{Type: wire.MsgTxmanCommit, Op: &op}); err != nil {
		return wire.CodeUnavailable, err
	}
	resp, err := c.await(ctx, nonce)
	if err != nil {
		return wire.CodeTimeout, err
	}
	return resp.Code, nil
}

// Abort issues TXMAN_ABORT and waits for the transaction's final
// disposition.
func (c *Client) Abort(ctx context.Context, tid txid.TxnID, seqno int, nonce uint64) (wire.Code, error) {
	op := wire.TxmanOp{Type: wire.MsgTxmanAbort, Txn: tid, Nonce: nonce, Seqno: seqno, ClientAddr: c.selfAddr}
	if err := c.send(&wire.Envelope{Type: wire.MsgTxmanAbort, Op: &op}); err != nil {
		return wire.CodeUnavailable, err
	}
	resp, err := c.await(ctx, nonce)
	if err != nil {
		return wire.CodeTimeout, err
	}
	return resp.Code, nil
}

// Close releases the connection and local listener.
func (c *Client) Close() error {
	c.listener.Close()
	return c.conn.Close()
}

// DefaultTimeout bounds one round trip in cmd/consus-bench.
const DefaultTimeout = 5 * time.Second
