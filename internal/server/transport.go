// Package server wires the protocol packages (txnmgr, localvoter,
// globalvoter, kvs/lockmgr, kvs/replicator) onto an actual network, the
// same newline-delimited-JSON-over-persistent-TCP-connection transport the
// teacher's Commu type uses (network/coordinator/conn.go: a sync.Map of
// dialed connections keyed by address, one goroutine per accepted
// connection reading with bufio.Reader.ReadString('\n')).
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"consus/internal/wire"
	"consus/internal/xconfig"
)

// Transport maintains one persistent outbound connection per peer address
// and dispatches every line it reads, inbound or outbound, to handle.
type Transport struct {
	selfID   string
	listener net.Listener
	conns    sync.Map // addr -> net.Conn
	handle   func(from string, env *wire.Envelope)

	done chan struct{}
	wg   sync.WaitGroup
}

// Listen opens addr and begins accepting connections. handle is invoked
// once per decoded Envelope, from a per-connection goroutine.
func Listen(selfID, addr string, handle func(from string, env *wire.Envelope)) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	t := &Transport{selfID: selfID, listener: ln, handle: handle, done: make(chan struct{})}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				xconfig.TPrintf("server: accept: %s", err.Error())
				return
			}
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if line == "" {
				return
			}
		}
		env, decErr := wire.Decode([]byte(line))
		if decErr != nil {
			xconfig.Warn(false, "server: decode: "+decErr.Error())
			continue
		}
		t.handle(env.From, env)
		if err != nil {
			return
		}
	}
}

// Send dials (or reuses a cached connection to) addr and writes env.
func (t *Transport) Send(ctx context.Context, addr string, env *wire.Envelope) error {
	env.From = t.selfID
	env.SentAt = time.Now()
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}

	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(xconfig.CrashFailureTimeout))
	}
	if _, err := conn.Write(b); err != nil {
		t.conns.Delete(addr)
		return err
	}
	return nil
}

func (t *Transport) connFor(addr string) (net.Conn, error) {
	if cur, ok := t.conns.Load(addr); ok {
		return cur.(net.Conn), nil
	}
	conn, err := net.DialTimeout("tcp", addr, xconfig.CrashFailureTimeout)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	actual, loaded := t.conns.LoadOrStore(addr, conn)
	if loaded {
		conn.Close()
		return actual.(net.Conn), nil
	}
	t.wg.Add(1)
	go t.readLoop(conn)
	return conn, nil
}

// Close stops accepting new connections and closes every outbound one.
func (t *Transport) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.conns.Range(func(_, v interface{}) bool {
		v.(net.Conn).Close()
		return true
	})
	t.wg.Wait()
	return err
}
