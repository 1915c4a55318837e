// Package store is the Entity Store: logical storage of versions,
// parent/child links, and resolved observations, keyed by entity
// (spec §4.2). It is backed by an in-memory hashicorp/go-memdb database,
// a single versions/links/observations schema shared across every
// entity type.
package store

import (
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
)

// EntityStore is the in-memory database of every entity's version DAG.
type EntityStore struct {
	db *memdb.MemDB

	// leases serializes operations per entity (spec §5: "all operations
	// touching a single entity ... run under a per-entity exclusive
	// lease"). It is a striped lock, not a single global mutex: different
	// entities proceed independently.
	leaseMu sync.Mutex
	leases  map[domain.EntityRef]*sync.Mutex
}

// New constructs an empty EntityStore.
func New() (*EntityStore, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("entity store: creating memdb: %w", err)
	}
	return &EntityStore{
		db:     db,
		leases: make(map[domain.EntityRef]*sync.Mutex),
	}, nil
}

// Lease acquires the exclusive per-entity lease for ref and returns a
// release function. Callers must release it (typically via defer) before
// returning.
func (s *EntityStore) Lease(ref domain.EntityRef) func() {
	s.leaseMu.Lock()
	mu, ok := s.leases[ref]
	if !ok {
		mu = &sync.Mutex{}
		s.leases[ref] = mu
	}
	s.leaseMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func multiIndexLookup(txn *memdb.Txn, table, index string, args ...interface{}) (interface{}, error) {
	res, err := txn.First(table, index, args...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNotFound
	}
	return res, nil
}
