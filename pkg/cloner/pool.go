// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cloner

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// Worker is a secondary account that impersonates one source sender at a time.
type Worker struct {
	ID     string
	Client platform.Client
	// Self is the worker's own account ID on the platform.
	Self platform.UserID

	boundSender        platform.UserID
	identityConfigured bool
}

// WorkerState is a point-in-time copy of a worker's binding.
type WorkerState struct {
	ID                 string          `json:"id"`
	Self               platform.UserID `json:"self"`
	BoundSender        platform.UserID `json:"bound_sender,omitempty"`
	IdentityConfigured bool            `json:"identity_configured"`
}

// SetupFunc configures a worker to mirror a sender. It runs under the
// worker's lock.
type SetupFunc func(ctx context.Context, w *Worker) error

// AccountPool tracks the worker accounts and which sender each one is bound
// to. The internal mutex only guards the data structure; the assignment
// protocol relies on the sender and worker lock tables.
type AccountPool struct {
	mu      sync.RWMutex
	workers []*Worker
	evicted map[string]struct{}

	locks *WorkerLockTable
}

func NewAccountPool(locks *WorkerLockTable) *AccountPool {
	if locks == nil {
		locks = NewWorkerLockTable()
	}
	return &AccountPool{
		evicted: make(map[string]struct{}),
		locks:   locks,
	}
}

// Locks returns the worker lock table used by the pool.
func (p *AccountPool) Locks() *WorkerLockTable {
	return p.locks
}

// Add puts an unbound worker into the pool. Worker IDs and platform accounts
// must be unique, and a worker that was evicted during this run is never
// re-added.
func (p *AccountPool) Add(w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.evicted[w.ID]; ok {
		return fmt.Errorf("worker %s was evicted and cannot be re-added", w.ID)
	}
	for _, existing := range p.workers {
		if existing.ID == w.ID {
			return fmt.Errorf("worker %s is already in the pool", w.ID)
		}
		if w.Self != "" && existing.Self == w.Self {
			return fmt.Errorf("%w: worker %s logs into %s like worker %s", ErrDuplicateAccount, w.ID, w.Self, existing.ID)
		}
	}
	w.boundSender = ""
	w.identityConfigured = false
	p.workers = append(p.workers, w)
	p.locks.get(w.ID)
	return nil
}

// Get returns the worker with the given ID, or nil.
func (p *AccountPool) Get(id string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// Has reports whether a worker with the given ID is in the pool or was
// evicted from it.
func (p *AccountPool) Has(id string) (present, evicted bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, evicted = p.evicted[id]
	for _, w := range p.workers {
		if w.ID == id {
			return true, evicted
		}
	}
	return false, evicted
}

// Remove evicts a worker and returns it.
func (p *AccountPool) Remove(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w.ID == id {
			p.workers = append(p.workers[:i:i], p.workers[i+1:]...)
			p.evicted[id] = struct{}{}
			return w, true
		}
	}
	return nil, false
}

// forbid marks a worker ID as evicted without it ever joining the pool.
func (p *AccountPool) forbid(id string) {
	p.mu.Lock()
	p.evicted[id] = struct{}{}
	p.mu.Unlock()
}

// Len returns the number of workers in the pool.
func (p *AccountPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// FindBoundWorker returns the worker bound to sender, or nil.
func (p *AccountPool) FindBoundWorker(sender platform.UserID) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.boundSender == sender {
			return w
		}
	}
	return nil
}

// IsWorkerAccount reports whether userID belongs to one of the pool's workers.
func (p *AccountPool) IsWorkerAccount(userID platform.UserID) bool {
	return p.workerForAccount(userID) != nil
}

func (p *AccountPool) workerForAccount(userID platform.UserID) *Worker {
	if userID == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.Self == userID {
			return w
		}
	}
	return nil
}

func (p *AccountPool) unboundCandidates() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Worker
	for _, w := range p.workers {
		if w.boundSender == "" {
			out = append(out, w)
		}
	}
	return out
}

// stillFree re-checks a candidate after its lock was taken: it must still be
// in the pool and unbound.
func (p *AccountPool) stillFree(w *Worker) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cur := range p.workers {
		if cur == w {
			return w.boundSender == ""
		}
	}
	return false
}

func (p *AccountPool) bind(w *Worker, sender platform.UserID) {
	p.mu.Lock()
	w.boundSender = sender
	w.identityConfigured = true
	p.mu.Unlock()
}

// FindAndBindFreeWorker binds the first free worker to sender after running
// setup on it. Candidates taken by a concurrent flow between the scan and the
// lock are skipped. Only one setup is attempted per call: if it fails the
// worker stays unbound and the error is returned.
func (p *AccountPool) FindAndBindFreeWorker(ctx context.Context, sender platform.UserID, setup SetupFunc) (*Worker, error) {
	for _, candidate := range p.unboundCandidates() {
		var (
			attempted bool
			bound     *Worker
		)
		// An evicted candidate has no lock left; it is skipped, not recreated.
		_, err := p.locks.DoExisting(candidate.ID, func() error {
			if !p.stillFree(candidate) {
				return nil
			}
			attempted = true
			if err := setup(ctx, candidate); err != nil {
				return err
			}
			p.bind(candidate, sender)
			bound = candidate
			return nil
		})
		if attempted {
			return bound, err
		}
	}
	return nil, ErrPoolExhausted
}

// Snapshot returns the current state of every worker in pool order.
func (p *AccountPool) Snapshot() []WorkerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerState{
			ID:                 w.ID,
			Self:               w.Self,
			BoundSender:        w.boundSender,
			IdentityConfigured: w.identityConfigured,
		})
	}
	return out
}

// BoundSender returns the sender the worker is bound to, or "".
func (p *AccountPool) BoundSender(w *Worker) platform.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return w.boundSender
}
