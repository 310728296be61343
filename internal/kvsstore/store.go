// Package kvsstore defines the sorted-map datastore contract a KVS node
// relies on (spec.md §1: "The underlying data store on KVS nodes... a
// sorted map keyed by (table, key, timestamp_desc) supporting point-in-time
// reads and tombstones" — referenced only by contract) plus three
// concrete backends: an in-memory one (the core, exercised by the
// protocol tests) and two optional ones wired to the domain-stack
// dependencies per SPEC_FULL.md.
package kvsstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no version of (table, key) exists at or
// before the requested timestamp.
var ErrNotFound = errors.New("kvsstore: not found")

// ErrUnknownTable is returned for operations against a table that was
// never declared.
var ErrUnknownTable = errors.New("kvsstore: unknown table")

// Version is one point-in-time value (or tombstone) for a key.
type Version struct {
	Timestamp int64
	Value     []byte
	Tombstone bool
}

// Datastore is the contract every KVS backend implements: point-in-time
// reads keyed by (table, key, timestamp_desc), and puts/deletes that are
// themselves just another versioned write.
type Datastore interface {
	// Put writes value for (table, key) at timestamp. Implementations
	// must make the write visible to any Get with a requested timestamp
	// >= this one.
	Put(ctx context.Context, table, key string, timestamp int64, value []byte) error

	// Delete writes a tombstone for (table, key) at timestamp.
	Delete(ctx context.Context, table, key string, timestamp int64) error

	// Get returns the latest version of (table, key) with
	// Version.Timestamp <= asOf. Returns ErrNotFound if none exists, or
	// the version is a tombstone.
	Get(ctx context.Context, table, key string, asOf int64) (Version, error)

	// EnsureTable registers table if it doesn't already exist. The
	// in-memory backend records it and answers ErrUnknownTable for tables
	// never registered; backends with no schema concept (pgstore,
	// mongostore) treat this as a no-op that always succeeds.
	EnsureTable(ctx context.Context, table string) error

	// WriteLockHolder persists the current lock holder for (table, key)
	// so a lock manager restart can recover it (spec.md §4.4 "lazy
	// initialization reads any persisted holder from the datastore").
	// An empty holder clears it.
	WriteLockHolder(ctx context.Context, table, key string, holder string) error
	ReadLockHolder(ctx context.Context, table, key string) (string, error)

	Close() error
}
