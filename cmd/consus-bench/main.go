// Command consus-bench drives the client API (internal/consusclient) with a
// YCSB-style Zipfian-skewed workload, mirroring the teacher's
// oltp_clients/benchmark/ycsb.go load generator but against consus's wire
// protocol instead of FC's coordinator RPCs. A full client C API and CLI are
// explicit non-goals of spec.md §1; this is the one piece of client code the
// workload needs to exist at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/go-ycsb/pkg/generator"

	"consus/internal/consusclient"
	"consus/internal/txid"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

func main() {
	var (
		tmAddr       = flag.String("tm", "", "address of the home TM to drive the workload against")
		listenBase   = flag.String("listen-base", "127.0.0.1:0", "base local address each client listener binds to (port 0 picks a free port)")
		clients      = flag.Int("clients", 8, "number of concurrent client goroutines")
		keys         = flag.Int("keys", 100000, "size of the YCSB keyspace")
		skew         = flag.Float64("skew", 0.99, "Zipfian skew (zipfian_constant) of key popularity")
		readPct      = flag.Float64("read-pct", 0.5, "fraction of operations that are reads rather than writes")
		opsPerTxn    = flag.Int("ops-per-txn", 2, "number of read/write operations per transaction")
		table        = flag.String("table", "YCSB_MAIN", "table name written/read by the workload")
		warmup       = flag.Duration("warmup", 2*time.Second, "warmup period excluded from reported stats")
		duration     = flag.Duration("duration", 10*time.Second, "measured run length after warmup")
		debug        = flag.Bool("debug", false, "enable debug/trace logging")
	)
	flag.Parse()

	xconfig.ShowDebugInfo = *debug
	xconfig.ShowTestInfo = *debug

	if *tmAddr == "" {
		fmt.Println("consus-bench: -tm is required")
		return
	}

	stat := newStat()
	var stop int32

	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(clientConfig{
				id:        id,
				tmAddr:    *tmAddr,
				listen:    *listenBase,
				keys:      int64(*keys),
				skew:      *skew,
				readPct:   *readPct,
				opsPerTxn: *opsPerTxn,
				table:     *table,
				stop:      &stop,
			}, stat)
		}(i)
	}

	xconfig.TPrintf("consus-bench: %d clients warming up for %s", *clients, warmup)
	time.Sleep(*warmup)
	stat.clear()

	xconfig.TPrintf("consus-bench: measuring for %s", *duration)
	time.Sleep(*duration)
	stat.log()

	atomic.StoreInt32(&stop, 1)
	wg.Wait()
}

type clientConfig struct {
	id        int
	tmAddr    string
	listen    string
	keys      int64
	skew      float64
	readPct   float64
	opsPerTxn int
	table     string
	stop      *int32
}

func runClient(cfg clientConfig, stat *stat) {
	c, err := consusclient.Dial(cfg.tmAddr, cfg.listen)
	if err != nil {
		xconfig.Warn(false, fmt.Sprintf("consus-bench: client %d dial: %v", cfg.id, err))
		return
	}
	defer c.Close()

	r := rand.New(rand.NewSource(int64(cfg.id)*11 + 31))
	zip := generator.NewScrambledZipfianWithRange(0, cfg.keys-1, cfg.skew)

	for atomic.LoadInt32(cfg.stop) == 0 {
		runTransaction(c, cfg, r, zip, stat)
	}
}

func runTransaction(c *consusclient.Client, cfg clientConfig, r *rand.Rand, zip *generator.ScrambledZipfian, stat *stat) {
	ctx, cancel := context.WithTimeout(context.Background(), consusclient.DefaultTimeout)
	defer cancel()

	start := time.Now()
	info := &txnInfo{}
	defer stat.append(info)

	tid, _, code, err := c.Begin(ctx, txid.NextNonce())
	if err != nil || code != wire.CodeSuccess {
		info.failure = true
		return
	}

	for i := 0; i < cfg.opsPerTxn; i++ {
		key := strconv.FormatInt(zip.Next(r), 10)
		if r.Float64() < cfg.readPct {
			if code, _, _, err := c.Read(ctx, tid, i+1, txid.NextNonce(), cfg.table, key); err != nil || code != wire.CodeSuccess {
				info.failure = true
				return
			}
		} else {
			val := []byte(randValue(r, 16))
			if code, err := c.Write(ctx, tid, i+1, txid.NextNonce(), cfg.table, key, val); err != nil || code != wire.CodeSuccess {
				info.failure = true
				return
			}
		}
	}

	code, err = c.Commit(ctx, tid, cfg.opsPerTxn+1, txid.NextNonce())
	info.latency = time.Since(start)
	if err != nil {
		info.failure = true
		return
	}
	info.isCommit = code == wire.CodeCommitted
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func randValue(r *rand.Rand, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// txnInfo and stat mirror the teacher's utils.Info/utils.Stat: a lock-guarded
// slice of per-transaction outcomes, periodically summarized into a
// percentile report.
type txnInfo struct {
	isCommit bool
	failure  bool
	latency  time.Duration
}

type stat struct {
	mu    sync.Mutex
	infos []*txnInfo
}

func newStat() *stat {
	return &stat{infos: make([]*txnInfo, 0, 1<<16)}
}

func (s *stat) append(info *txnInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, info)
}

func (s *stat) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = s.infos[:0]
}

func (s *stat) log() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txnCnt, success, fail int
	latencies := make([]int, 0, len(s.infos))
	for _, info := range s.infos {
		txnCnt++
		if info.failure {
			fail++
			continue
		}
		if info.isCommit {
			success++
		}
		if info.latency > 0 {
			latencies = append(latencies, int(info.latency))
		}
	}

	msg := "txn_cnt:" + strconv.Itoa(txnCnt) + ";"
	msg += "success_txn:" + strconv.Itoa(success) + ";"
	msg += "failed_txn:" + strconv.Itoa(fail) + ";"

	sort.Ints(latencies)
	if len(latencies) > 0 {
		p := func(pct float64) time.Duration {
			i := int(float64(len(latencies)) * pct)
			if i >= len(latencies) {
				i = len(latencies) - 1
			}
			return time.Duration(latencies[i])
		}
		msg += "p50_latency:" + p(0.50).String() + ";"
		msg += "p90_latency:" + p(0.90).String() + ";"
		msg += "p99_latency:" + p(0.99).String() + ";"
	} else {
		msg += "p50_latency:nil;p90_latency:nil;p99_latency:nil;"
	}
	fmt.Println(msg)
}
