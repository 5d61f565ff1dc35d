// Copyright 2024-2026 Aiku AI

package cloner

import (
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// FrozenAccountHandler removes workers whose identity was rejected by the
// platform. Reply index entries written through an evicted worker are kept.
type FrozenAccountHandler struct {
	pool   *AccountPool
	cloned *exsync.Set[platform.UserID]
	log    zerolog.Logger
}

func NewFrozenAccountHandler(pool *AccountPool, cloned *exsync.Set[platform.UserID], log zerolog.Logger) *FrozenAccountHandler {
	return &FrozenAccountHandler{
		pool:   pool,
		cloned: cloned,
		log:    log.With().Str("component", "frozen_handler").Logger(),
	}
}

// Evict disconnects the worker and drops it from the pool, the worker lock
// table and the cloned-sender set. Evicting a worker twice is a no-op.
func (h *FrozenAccountHandler) Evict(w *Worker, cause error) {
	sender := h.pool.BoundSender(w)
	if _, ok := h.pool.Remove(w.ID); !ok {
		return
	}
	h.pool.Locks().Remove(w.ID)
	if sender != "" {
		h.cloned.Remove(sender)
	}
	w.Client.Disconnect()
	h.log.Warn().Err(cause).
		Str("worker", w.ID).
		Str("sender", string(sender)).
		Int("remaining", h.pool.Len()).
		Msg("Evicted frozen worker")
}
