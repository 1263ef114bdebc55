package book

import (
	"sort"
	"sync"
)

// Registry owns every per-asset book plus one guard mutex per asset. The
// guard serializes matching sweeps and cancellations for an asset; holding
// it covers both book mutation and order-status mutation, which is what
// keeps a cancellation from releasing funds for an order that a concurrent
// match is settling. The registry is constructed explicitly and injected,
// never reached through package state.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]*Book
	guards map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		books:  make(map[string]*Book),
		guards: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) Book(asset string) *Book {
	r.mu.RLock()
	b := r.books[asset]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b = r.books[asset]
	if b == nil {
		b = NewBook(asset)
		r.books[asset] = b
	}
	return b
}

// Guard returns the per-asset mutex. Callers must hold it for any compound
// operation touching the asset's book or the status of orders resting in it.
// Lock order is guard first, ledger row locks second: ledger calls take and
// release their row locks internally and never acquire a guard, so a guard
// must never be acquired while a ledger operation is in flight on the same
// goroutine.
func (r *Registry) Guard(asset string) *sync.Mutex {
	r.mu.RLock()
	g := r.guards[asset]
	r.mu.RUnlock()
	if g != nil {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g = r.guards[asset]
	if g == nil {
		g = &sync.Mutex{}
		r.guards[asset] = g
	}
	return g
}

// Assets lists every asset that currently has a book, sorted for
// deterministic sweep order.
func (r *Registry) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	assets := make([]string, 0, len(r.books))
	for asset := range r.books {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
