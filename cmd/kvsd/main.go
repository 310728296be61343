// Command kvsd runs one KVS storage node: the per-key lock manager of
// spec.md §4.4 plus a backing kvsstore.Datastore, reachable over the
// network transport of internal/server and the KVS_RAW_*/KVS_LOCK_OP
// message family.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"consus/internal/clusterconfig"
	"consus/internal/kvsstore"
	"consus/internal/kvsstore/mongostore"
	"consus/internal/kvsstore/pgstore"
	"consus/internal/nodeident"
	"consus/internal/server"
	"consus/internal/wire"
	"consus/internal/xconfig"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "", "directory holding this KVS node's identity file")
		listenAddr = flag.String("listen", "", "address this KVS node listens on; defaults to the identity file's address")
		selfID     = flag.String("id", "", "this node's comm_id; overrides the identity file")
		dc         = flag.String("dc", "", "this node's data center; overrides the identity file")
		configFile = flag.String("config", "", "path to a dev cluster-topology JSON file (spec.md §1: stands in for the coordinator)")
		backend    = flag.String("backend", "mem", "datastore backend: mem, postgres, or mongo")
		dsn        = flag.String("dsn", "", "connection string for the postgres/mongo backend")
		mongoDB    = flag.String("mongo-db", "consus", "database name for the mongo backend")
		debug      = flag.Bool("debug", false, "enable debug/trace logging")
	)
	flag.Parse()

	xconfig.ShowDebugInfo = *debug
	xconfig.ShowWarnings = *debug
	xconfig.ShowTestInfo = *debug

	if *dataDir == "" {
		log.Fatal("kvsd: -data-dir is required")
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("kvsd: create data dir: %v", err)
	}

	id, dataCenter, addr := resolveIdentity(*dataDir, *selfID, *dc, *listenAddr)

	published := &clusterconfig.Published{}
	if *configFile != "" {
		snap, err := clusterconfig.LoadDevSnapshotFile(*configFile)
		if err != nil {
			log.Fatalf("kvsd: load config: %v", err)
		}
		published.Store(snap)
	}
	view := server.NewClusterView(published)

	store, err := openStore(*backend, *dsn, *mongoDB)
	if err != nil {
		log.Fatalf("kvsd: open %s store: %v", *backend, err)
	}
	defer store.Close()

	var node *server.KVSNode
	transport, err := server.Listen(id, addr, func(from string, env *wire.Envelope) {
		if node != nil {
			node.Handle(from, env)
		}
	})
	if err != nil {
		log.Fatalf("kvsd: listen on %s: %v", addr, err)
	}
	defer transport.Close()

	node = server.NewKVSNode(id, transport, view, store)

	log.Printf("kvsd: %s (dc=%s, backend=%s) listening on %s", id, dataCenter, *backend, addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("kvsd: %s shutting down", id)
}

func openStore(backend, dsn, mongoDB string) (kvsstore.Datastore, error) {
	switch backend {
	case "mem", "":
		return kvsstore.NewMemStore(), nil
	case "postgres":
		return pgstore.Open(context.Background(), dsn)
	case "mongo":
		return mongostore.Open(context.Background(), dsn, mongoDB)
	default:
		log.Fatalf("kvsd: unknown backend %q", backend)
		return nil, nil
	}
}

func resolveIdentity(dataDir, flagID, flagDC, flagAddr string) (id, dc, addr string) {
	ident, err := nodeident.Load(dataDir, "KVS")
	if err != nil {
		xconfig.TPrintf("kvsd: no identity file in %s (%v); requiring -id/-dc/-listen flags", dataDir, err)
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
		log.Fatal("kvsd: need id, dc, and listen address from an identity file or flags")
	}
	if err := nodeident.Write(dataDir, "KVS", nodeident.Identity{ID: id, DC: dc, Address: addr}); err != nil {
		xconfig.Warn(false, "kvsd: failed to persist identity file: "+err.Error())
	}
	return id, dc, addr
}
