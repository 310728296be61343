// Command txmand runs one transaction manager process: the transaction
// state machine, the per-DC local voter, and the cross-DC global voter of
// spec.md §4.1-§4.3, reachable over the network transport of
// internal/server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consus/internal/clusterconfig"
	"consus/internal/durablelog"
	"consus/internal/nodeident"
	"consus/internal/server"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "", "directory holding this TM's identity file and durable log (file_a/file_b)")
		listenAddr = flag.String("listen", "", "address this TM listens on; defaults to the identity file's address")
		selfID     = flag.String("id", "", "this TM's comm_id; overrides the identity file")
		dc         = flag.String("dc", "", "this TM's data center; overrides the identity file")
		configFile = flag.String("config", "", "path to a dev cluster-topology JSON file (spec.md §1: stands in for the coordinator)")
		debug      = flag.Bool("debug", false, "enable debug/trace logging")
	)
	flag.Parse()

	xconfig.ShowDebugInfo = *debug
	xconfig.ShowWarnings = *debug
	xconfig.ShowTestInfo = *debug

	if *dataDir == "" {
		log.Fatal("txmand: -data-dir is required")
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("txmand: create data dir: %v", err)
	}

	id, dataCenter, addr := resolveIdentity(*dataDir, *selfID, *dc, *listenAddr)

	published := &clusterconfig.Published{}
	if *configFile != "" {
		snap, err := clusterconfig.LoadDevSnapshotFile(*configFile)
		if err != nil {
			log.Fatalf("txmand: load config: %v", err)
		}
		published.Store(snap)
	}
	view := server.NewClusterView(published)

	walLog, err := durablelog.Open(*dataDir, 10*time.Millisecond)
	if err != nil {
		log.Fatalf("txmand: open durable log: %v", err)
	}
	defer walLog.Close()

	// node is wired after transport so TMNode.Handle can be the
	// transport's dispatch target without a constructor-order cycle:
	// Listen needs a handler now, NewTMNode needs the transport it is
	// listening on.
	var node *server.TMNode
	transport, err := server.Listen(id, addr, func(from string, env *wire.Envelope) {
		if node != nil {
			node.Handle(from, env)
		}
	})
	if err != nil {
		log.Fatalf("txmand: listen on %s: %v", addr, err)
	}
	defer transport.Close()

	node = server.NewTMNode(id, transport, view, walLog)
	_ = dataCenter

	log.Printf("txmand: %s (dc=%s) listening on %s", id, dataCenter, addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("txmand: %s shutting down", id)
}

func resolveIdentity(dataDir, flagID, flagDC, flagAddr string) (id, dc, addr string) {
	ident, err := nodeident.Load(dataDir, "TXMAN")
	if err != nil {
		xconfig.TPrintf("txmand: no identity file in %s (%v); requiring -id/-dc/-listen flags", dataDir, err)
	} else {
		id, dc, addr = ident.ID, ident.DC, ident.Address
	}
	if flagID != "" {
		id = flagID
	}
	if flagDC != "" {
		dc = flagDC
	}
	if flagAddr != "" {
		addr = flagAddr
	}
	if id == "" || dc == "" || addr == "" {
		log.Fatal("txmand: need id, dc, and listen address from an identity file or flags")
	}
	if err := nodeident.Write(dataDir, "TXMAN", nodeident.Identity{ID: id, DC: dc, Address: addr}); err != nil {
		xconfig.Warn(false, "txmand: failed to persist identity file: "+err.Error())
	}
	return id, dc, addr
}
