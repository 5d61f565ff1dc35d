// Copyright 2024-2026 Aiku AI

package cloner

import (
	"sync"

	"go.mau.fi/util/exsync"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// SenderLockTable serializes message handling per sender. Tickets are handed
// out in the order Enqueue is called and granted in that same order, so
// messages from one sender are forwarded in arrival order.
type SenderLockTable struct {
	mu   sync.Mutex
	tail map[platform.UserID]chan struct{}
}

// SenderTicket is a queued claim on a sender's lock.
type SenderTicket struct {
	table  *SenderLockTable
	sender platform.UserID
	prev   <-chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewSenderLockTable() *SenderLockTable {
	return &SenderLockTable{tail: make(map[platform.UserID]chan struct{})}
}

// Enqueue reserves the next position in the sender's queue. It never blocks.
func (t *SenderLockTable) Enqueue(sender platform.UserID) *SenderTicket {
	t.mu.Lock()
	defer t.mu.Unlock()
	ticket := &SenderTicket{
		table:  t,
		sender: sender,
		prev:   t.tail[sender],
		done:   make(chan struct{}),
	}
	t.tail[sender] = ticket.done
	return ticket
}

// Lock enqueues and waits in one step.
func (t *SenderLockTable) Lock(sender platform.UserID) *SenderTicket {
	ticket := t.Enqueue(sender)
	ticket.Wait()
	return ticket
}

// Len returns the number of senders that currently hold or wait for a lock.
func (t *SenderLockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tail)
}

// Wait blocks until every earlier ticket for the same sender was released.
func (st *SenderTicket) Wait() {
	if st.prev != nil {
		<-st.prev
	}
}

// Release hands the lock to the next ticket. Calling it more than once is a
// no-op.
func (st *SenderTicket) Release() {
	st.once.Do(func() {
		st.table.mu.Lock()
		if st.table.tail[st.sender] == st.done {
			delete(st.table.tail, st.sender)
		}
		st.table.mu.Unlock()
		close(st.done)
	})
}

// WorkerLockTable holds one mutex per worker. Locks are created on first use
// and removed when the worker is evicted.
type WorkerLockTable struct {
	locks *exsync.Map[string, *sync.Mutex]
}

func NewWorkerLockTable() *WorkerLockTable {
	return &WorkerLockTable{locks: exsync.NewMap[string, *sync.Mutex]()}
}

func (t *WorkerLockTable) get(workerID string) *sync.Mutex {
	lock, _ := t.locks.GetOrSet(workerID, &sync.Mutex{})
	return lock
}

// Do runs fn while holding the worker's lock.
func (t *WorkerLockTable) Do(workerID string, fn func() error) error {
	lock := t.get(workerID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// DoExisting runs fn under the worker's lock only if the lock exists. It
// reports false without running fn when the worker was never registered or
// was removed.
func (t *WorkerLockTable) DoExisting(workerID string, fn func() error) (bool, error) {
	lock, ok := t.locks.Get(workerID)
	if !ok {
		return false, nil
	}
	lock.Lock()
	defer lock.Unlock()
	return true, fn()
}

// Remove forgets the worker's lock.
func (t *WorkerLockTable) Remove(workerID string) {
	t.locks.Delete(workerID)
}

// Has reports whether a lock exists for the worker.
func (t *WorkerLockTable) Has(workerID string) bool {
	_, ok := t.locks.Get(workerID)
	return ok
}
