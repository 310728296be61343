// Package pgstore is an optional PostgreSQL-backed implementation of the
// kvsstore.Datastore contract, exercising github.com/jackc/pgx/v4 the way
// the teacher's storage.SQLDB does (storage/postgres.go), adapted from a
// single-version row store to the (table, key, timestamp_desc) versioned
// contract spec.md §1 specifies.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"consus/internal/kvsstore"
)

// Store is a Datastore backed by one Postgres table holding every (table,
// key, timestamp) version, mirroring the versioned-row layout a real KVS
// node would use if it chose Postgres as its backing engine.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the backing schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS consus_versions (
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		ts BIGINT NOT NULL,
		value BYTEA,
		tombstone BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (tbl, key, ts)
	)`); err != nil {
		return nil, fmt.Errorf("pgstore: create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS consus_locks (
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		holder TEXT NOT NULL,
		PRIMARY KEY (tbl, key)
	)`); err != nil {
		return nil, fmt.Errorf("pgstore: create lock schema: %w", err)
	}
	return s, nil
}

func (s *Store) EnsureTable(ctx context.Context, table string) error {
	// The single consus_versions relation already carries the logical
	// table name as a column; no per-table DDL is required.
	return nil
}

func (s *Store) Put(ctx context.Context, table, key string, timestamp int64, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consus_versions (tbl, key, ts, value, tombstone) VALUES ($1,$2,$3,$4,false)
		 ON CONFLICT (tbl, key, ts) DO UPDATE SET value = EXCLUDED.value, tombstone = false`,
		table, key, timestamp, value)
	return err
}

func (s *Store) Delete(ctx context.Context, table, key string, timestamp int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consus_versions (tbl, key, ts, value, tombstone) VALUES ($1,$2,$3,NULL,true)
		 ON CONFLICT (tbl, key, ts) DO UPDATE SET value = NULL, tombstone = true`,
		table, key, timestamp)
	return err
}

func (s *Store) Get(ctx context.Context, table, key string, asOf int64) (kvsstore.Version, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ts, value, tombstone FROM consus_versions
		 WHERE tbl = $1 AND key = $2 AND ts <= $3
		 ORDER BY ts DESC LIMIT 1`, table, key, asOf)
	var v kvsstore.Version
	if err := row.Scan(&v.Timestamp, &v.Value, &v.Tombstone); err != nil {
		if err == pgx.ErrNoRows {
			return kvsstore.Version{}, kvsstore.ErrNotFound
		}
		return kvsstore.Version{}, err
	}
	if v.Tombstone {
		return kvsstore.Version{}, kvsstore.ErrNotFound
	}
	return v, nil
}

func (s *Store) WriteLockHolder(ctx context.Context, table, key string, holder string) error {
	if holder == "" {
		_, err := s.pool.Exec(ctx, `DELETE FROM consus_locks WHERE tbl = $1 AND key = $2`, table, key)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consus_locks (tbl, key, holder) VALUES ($1,$2,$3)
		 ON CONFLICT (tbl, key) DO UPDATE SET holder = EXCLUDED.holder`, table, key, holder)
	return err
}

func (s *Store) ReadLockHolder(ctx context.Context, table, key string) (string, error) {
	row := s.pool.QueryRow(ctx, `SELECT holder FROM consus_locks WHERE tbl = $1 AND key = $2`, table, key)
	var holder string
	if err := row.Scan(&holder); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return holder, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
