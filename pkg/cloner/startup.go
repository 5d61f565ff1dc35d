// Copyright 2024-2026 Aiku AI

package cloner

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// ErrUnauthorized is returned when a session reports that it is not logged in.
var ErrUnauthorized = errors.New("session is not authorized")

// StartMonitor connects the monitoring account, resolves its own account ID
// and joins the source channel.
// Any failure here is fatal for the relay.
func (r *Relay) StartMonitor(ctx context.Context) error {
	if err := r.Monitor.Connect(ctx); err != nil {
		return monitorError("connect monitor", err)
	}
	ok, err := r.Monitor.IsAuthorized(ctx)
	if err != nil {
		return monitorError("check monitor authorization", err)
	} else if !ok {
		return fmt.Errorf("%w: %w", ErrMonitorRejected, ErrUnauthorized)
	}
	me, err := r.Monitor.GetMe(ctx)
	if err != nil {
		return monitorError("get monitor account", err)
	}
	r.monitorSelf = me.ID
	if err = r.Monitor.JoinChannel(ctx, r.cfg.Source); err != nil {
		return monitorError("join source channel", err)
	}
	r.log.Info().Str("channel", string(r.cfg.Source)).Msg("Monitor joined source channel")
	return nil
}

// EnlistWorker prepares a worker (connect, verify, join the target channel,
// reset its profile photos) and adds it to the pool. The worker's client is
// disconnected on failure.
func (r *Relay) EnlistWorker(ctx context.Context, w *Worker) error {
	if err := r.prepareWorker(ctx, w); err != nil {
		w.Client.Disconnect()
		if platform.IsIdentityRejected(err) {
			r.Pool.forbid(w.ID)
		}
		return fmt.Errorf("failed to prepare worker %s: %w", w.ID, err)
	}
	if err := r.Pool.Add(w); err != nil {
		w.Client.Disconnect()
		return err
	}
	r.log.Info().
		Str("worker", w.ID).
		Str("self", string(w.Self)).
		Int("pool_size", r.Pool.Len()).
		Msg("Worker added to pool")
	return nil
}

func (r *Relay) prepareWorker(ctx context.Context, w *Worker) error {
	if err := w.Client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	me, err := w.Client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get own account: %w", err)
	}
	w.Self = me.ID
	// A shared account may already be bound, so its profile is left alone.
	if r.monitorSelf != "" && me.ID == r.monitorSelf {
		return fmt.Errorf("%w: %s is the monitor account", ErrDuplicateAccount, me.ID)
	} else if other := r.Pool.workerForAccount(me.ID); other != nil {
		return fmt.Errorf("%w: %s is already used by worker %s", ErrDuplicateAccount, me.ID, other.ID)
	}
	if err = w.Client.JoinChannel(ctx, r.cfg.Target); err != nil {
		return fmt.Errorf("failed to join target channel: %w", err)
	}
	if err = w.Client.DeleteProfilePhotos(ctx); err != nil {
		return fmt.Errorf("failed to reset profile photos: %w", err)
	}
	return nil
}

// EnlistWorkers enlists every worker in order, logging and skipping the ones
// that fail. It returns the number of workers added.
func (r *Relay) EnlistWorkers(ctx context.Context, workers []*Worker) int {
	added := 0
	for _, w := range workers {
		if err := r.EnlistWorker(ctx, w); err != nil {
			evt := r.log.Warn()
			if platform.IsIdentityRejected(err) {
				evt = r.log.Error()
			}
			evt.Err(err).Str("worker", w.ID).Msg("Skipping worker")
			continue
		}
		added++
	}
	return added
}
