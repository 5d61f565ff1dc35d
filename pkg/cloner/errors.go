// Copyright 2024-2026 Aiku AI

package cloner

import "errors"

var (
	// ErrSkipped is returned for events that are ignored by design (bots,
	// the pool's own worker accounts).
	ErrSkipped = errors.New("event skipped")
	// ErrBlacklisted is returned for senders excluded from cloning.
	ErrBlacklisted = errors.New("sender is blacklisted")
	// ErrPoolExhausted means no unbound worker is left for a new sender.
	ErrPoolExhausted = errors.New("no available worker")
	// ErrReplyTargetUnresolved means a reply points at a message that was
	// never forwarded. The message is dropped rather than sent as a non-reply.
	ErrReplyTargetUnresolved = errors.New("reply target not found in reply index")
	// ErrMonitorRejected marks an identity rejection raised by the monitoring
	// connection rather than by a worker.
	ErrMonitorRejected = errors.New("monitor identity rejected")
	// ErrDuplicateAccount means a worker logs into an account that the pool
	// or the monitor already uses.
	ErrDuplicateAccount = errors.New("account is already in use")
	// ErrWorkerEvicted means the worker left the pool before the message
	// could be sent through it.
	ErrWorkerEvicted = errors.New("worker was evicted")
)
