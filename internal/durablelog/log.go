// Package durablelog implements the append-only, fsync-gated log contract
// of spec.md §4.6: append(entry) -> seqno, wait(prev_ub) -> durable_ub,
// callback_when_durable, and send_when_durable. It wraps github.com/tidwall/wal
// the same way the teacher's storage.LogManager and coordinator.LogManager do,
// but generalizes their ad hoc per-package copies into one reusable type
// double-buffered across two alternating wal segments, per spec.md §4.6 and
// §5 ("one is being fsynced while the other is being appended").
package durablelog

import (
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/wal"

	"consus/internal/xconfig"
)

// Log is one TM's or one KVS node's durable log. Two wal.Log instances back
// it, alternating as the active append target while the other is mid-fsync,
// matching the disk layout's file_a/file_b pair (spec.md §6).
type Log struct {
	mu   sync.Mutex
	dir  string
	segs     [2]*wal.Log
	bufs     [2]*wal.Batch
	bufCount [2]int
	active   int

	lsn        uint64
	durableUB  uint64
	waiters    []waiter
	callbacks  map[uint64][]func()

	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

type waiter struct {
	target uint64
	ch     chan struct{}
}

// Open creates (or reopens) the double-buffered log rooted at dir, which
// must contain (or will contain) file_a and file_b per the disk layout in
// spec.md §6.
func Open(dir string, flushInterval time.Duration) (*Log, error) {
	l := &Log{
		dir:           dir,
		callbacks:     make(map[uint64][]func()),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
	}
	names := [2]string{"file_a", "file_b"}
	for i, name := range names {
		seg, err := wal.Open(dir+"/"+name, nil)
		if err != nil {
			return nil, fmt.Errorf("durablelog: open %s: %w", name, err)
		}
		l.segs[i] = seg
		l.bufs[i] = &wal.Batch{}
		last, err := seg.LastIndex()
		if err != nil {
			return nil, err
		}
		if last > l.lsn {
			l.lsn = last
		}
	}
	l.durableUB = l.lsn
	l.wg.Add(1)
	go l.fsyncLoop()
	return l, nil
}

// Append writes entry's bytes to the active segment's in-memory batch and
// returns the assigned seqno. Non-blocking: the caller does not wait for
// fsync. Matches the teacher's LogManager.writeRedoLog4Txn/writeTxnState,
// generalized to an arbitrary payload.
func (l *Log) Append(entry []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lsn++
	seqno := l.lsn
	l.bufs[l.active].Write(seqno, entry)
	l.bufCount[l.active]++
	return seqno
}

// CallbackWhenDurable registers cb to run once seqno is guaranteed on disk.
// If it already is, cb runs synchronously.
func (l *Log) CallbackWhenDurable(seqno uint64, cb func()) {
	l.mu.Lock()
	if l.durableUB >= seqno {
		l.mu.Unlock()
		cb()
		return
	}
	l.callbacks[seqno] = append(l.callbacks[seqno], cb)
	l.mu.Unlock()
}

// SendWhenDurable gates the send of msg behind seqno becoming durable; send
// is the caller-supplied transport action (e.g. broadcasting a Paxos-2b).
// This is the primitive spec.md §4.1/§4.3 call "durable-log append gates
// every send-when-durable message".
func (l *Log) SendWhenDurable(seqno uint64, send func()) {
	l.CallbackWhenDurable(seqno, send)
}

// Wait blocks the caller until the durable upper bound exceeds prevUB,
// returning the new upper bound. Used by the durability fsync thread's
// callers and by anything that must block on persistence (spec.md §4.6).
func (l *Log) Wait(prevUB uint64) uint64 {
	l.mu.Lock()
	if l.durableUB > prevUB {
		ub := l.durableUB
		l.mu.Unlock()
		return ub
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, waiter{target: prevUB + 1, ch: ch})
	l.mu.Unlock()
	<-ch
	l.mu.Lock()
	ub := l.durableUB
	l.mu.Unlock()
	return ub
}

// DurableUB returns the current durable upper bound without blocking.
func (l *Log) DurableUB() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durableUB
}

// fsyncLoop is the background durability thread (spec.md §5): every
// flushInterval it swaps the active buffer, flushes the previously active
// one to disk, and fires any callbacks/waiters that became satisfied.
func (l *Log) fsyncLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			l.flush()
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *Log) flush() {
	l.mu.Lock()
	idx := l.active
	buf := l.bufs[idx]
	if l.bufCount[idx] == 0 {
		l.mu.Unlock()
		return
	}
	newUB := l.lsn
	// Flip active so new appends land in the other segment while this one
	// is being written to disk — the "double-buffered so one is being
	// fsynced while the other is being appended" design of spec.md §4.6.
	l.active = 1 - idx
	l.mu.Unlock()

	if err := l.segs[idx].WriteBatch(buf); err != nil {
		panic(fmt.Sprintf("durablelog: fsync failed: %v", err))
	}
	buf.Clear()

	l.mu.Lock()
	l.bufCount[idx] = 0
	l.durableUB = newUB
	l.fireLocked()
	l.mu.Unlock()
}

func (l *Log) fireLocked() {
	for seqno, cbs := range l.callbacks {
		if seqno <= l.durableUB {
			for _, cb := range cbs {
				go cb()
			}
			delete(l.callbacks, seqno)
		}
	}
	remaining := l.waiters[:0]
	for _, w := range l.waiters {
		if w.target <= l.durableUB {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.waiters = remaining
}

// Close stops the fsync thread after a final flush.
func (l *Log) Close() error {
	close(l.stop)
	l.wg.Wait()
	for _, s := range l.segs {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// DebugDumpJSON pretty-prints a batch of raw JSON log entries for operator
// tooling, using gjson to pull out the kind field without a full
// struct unmarshal and tidwall/pretty to format the result — a debug
// convenience, not on the durability path.
func DebugDumpJSON(entries [][]byte) string {
	out := make([]byte, 0, 64*len(entries))
	out = append(out, '[')
	for i, e := range entries {
		if i > 0 {
			out = append(out, ',')
		}
		kind := gjson.GetBytes(e, "kind").String()
		xconfig.TPrintf("durablelog: entry kind=%s", kind)
		out = append(out, e...)
	}
	out = append(out, ']')
	return string(pretty.Pretty(out))
}
