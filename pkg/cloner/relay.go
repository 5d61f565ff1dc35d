// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cloner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// RelayConfig holds the static settings of a Relay.
type RelayConfig struct {
	Source       platform.ChannelID
	Target       platform.ChannelID
	BotPrefix    string
	Blacklist    Blacklist
	Replacements ReplacementTable
	Replies      ReplyIndex
}

// Relay forwards source-channel messages to the target channel through the
// worker pool, cloning each sender onto a dedicated worker first.
type Relay struct {
	Monitor platform.Client
	Pool    *AccountPool
	Senders *SenderLockTable
	Replies ReplyIndex
	Frozen  *FrozenAccountHandler

	cfg         RelayConfig
	cloned      *exsync.Set[platform.UserID]
	monitorSelf platform.UserID
	log         zerolog.Logger
	wg          sync.WaitGroup
}

func NewRelay(monitor platform.Client, pool *AccountPool, cfg RelayConfig, log zerolog.Logger) *Relay {
	if cfg.Replies == nil {
		cfg.Replies = NewMemoryReplyIndex()
	}
	cloned := exsync.NewSet[platform.UserID]()
	return &Relay{
		Monitor: monitor,
		Pool:    pool,
		Senders: NewSenderLockTable(),
		Replies: cfg.Replies,
		Frozen:  NewFrozenAccountHandler(pool, cloned, log),
		cfg:     cfg,
		cloned:  cloned,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// IsCloned reports whether sender completed a first forward through its
// worker.
func (r *Relay) IsCloned(sender platform.UserID) bool {
	return r.cloned.Has(sender)
}

// ClonedSenders returns the senders that have been cloned so far.
func (r *Relay) ClonedSenders() []platform.UserID {
	return r.cloned.AsList()
}

// Run consumes events until the source closes or ctx is cancelled, then
// waits for in-flight messages to finish.
func (r *Relay) Run(ctx context.Context, src platform.EventSource) error {
	events, err := src.Listen(ctx)
	if err != nil {
		return fmt.Errorf("failed to listen for source events: %w", err)
	}
	r.log.Info().Str("source", string(r.cfg.Source)).Str("target", string(r.cfg.Target)).Msg("Relay started")
	for evt := range events {
		r.Dispatch(ctx, evt)
	}
	r.wg.Wait()
	r.log.Info().Msg("Relay stopped")
	return nil
}

// Wait blocks until every dispatched event has been handled.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Dispatch queues evt behind earlier messages of the same sender and handles
// it in its own goroutine. It must be called in arrival order.
func (r *Relay) Dispatch(ctx context.Context, evt *Event) {
	if reason := r.skipReason(evt); reason != "" {
		r.logSkip(evt, reason)
		return
	}
	ticket := r.Senders.Enqueue(evt.Sender.ID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticket.Release()
		ticket.Wait()
		r.logResult(evt, r.process(ctx, evt))
	}()
}

// Handle processes a single event synchronously and returns its outcome.
func (r *Relay) Handle(ctx context.Context, evt *Event) error {
	if reason := r.skipReason(evt); reason != "" {
		return fmt.Errorf("%w: %s", ErrSkipped, reason)
	}
	ticket := r.Senders.Lock(evt.Sender.ID)
	defer ticket.Release()
	return r.process(ctx, evt)
}

// Event is an alias kept so callers of the cloner package don't have to
// import platform for the common case.
type Event = platform.Event

func (r *Relay) skipReason(evt *Event) string {
	switch {
	case evt == nil || evt.Sender == nil || evt.Message == nil:
		return "incomplete event"
	case evt.Sender.IsBot:
		return "bot sender"
	case platform.IsBotName(evt.Sender.Username, r.cfg.BotPrefix):
		return "bot prefix"
	case r.Pool.IsWorkerAccount(evt.Sender.ID):
		return "worker account"
	case evt.Message.Text == "" && evt.Message.Media == nil:
		return "empty message"
	}
	return ""
}

func (r *Relay) logSkip(evt *Event, reason string) {
	e := r.log.Debug().Str("reason", reason)
	if evt != nil && evt.Message != nil {
		e = e.Str("message_id", string(evt.Message.ID))
	}
	if evt != nil && evt.Sender != nil {
		e = e.Str("sender", string(evt.Sender.ID))
	}
	e.Msg("Skipping event")
}

func (r *Relay) logResult(evt *Event, err error) {
	log := r.log.With().
		Str("message_id", string(evt.Message.ID)).
		Str("sender", string(evt.Sender.ID)).
		Logger()
	switch {
	case err == nil:
		log.Debug().Msg("Forwarded message")
	case errors.Is(err, ErrBlacklisted):
		log.Debug().Msg("Sender is blacklisted, not forwarding")
	case errors.Is(err, ErrPoolExhausted):
		log.Warn().Msg("No available worker for new sender, dropping message")
	case errors.Is(err, ErrReplyTargetUnresolved):
		log.Warn().Str("reply_to", string(evt.Message.ReplyTo)).Msg("Reply target was never forwarded, dropping message")
	case errors.Is(err, ErrWorkerEvicted):
		log.Warn().Err(err).Msg("Worker was evicted before the message was sent, dropping message")
	case errors.Is(err, ErrMonitorRejected):
		log.Error().Err(err).Msg("Monitor account was rejected by the platform")
	default:
		log.Error().Err(err).Msg("Failed to forward message")
	}
}

func (r *Relay) process(ctx context.Context, evt *Event) error {
	sender := evt.Sender.ID
	if r.cfg.Blacklist.Contains(sender) {
		return ErrBlacklisted
	}

	if w := r.Pool.FindBoundWorker(sender); w != nil {
		if err := r.forward(ctx, w, evt.Message); err != nil {
			return r.workerResult(w, err)
		}
		r.cloned.Add(sender)
		return nil
	}

	var tried *Worker
	w, err := r.Pool.FindAndBindFreeWorker(ctx, sender, func(ctx context.Context, w *Worker) error {
		tried = w
		return r.setupIdentity(ctx, w, evt.Sender)
	})
	if err != nil {
		if tried != nil {
			return r.workerResult(tried, fmt.Errorf("failed to set up worker %s: %w", tried.ID, err))
		}
		return err
	}
	r.log.Info().
		Str("worker", w.ID).
		Str("sender", string(sender)).
		Msg("Bound worker to sender")

	if err = r.forward(ctx, w, evt.Message); err != nil {
		return r.workerResult(w, err)
	}
	r.cloned.Add(sender)
	return nil
}

// workerResult routes identity rejections raised by a worker to the frozen
// account handler.
func (r *Relay) workerResult(w *Worker, err error) error {
	if err == nil || errors.Is(err, ErrMonitorRejected) {
		return err
	}
	if platform.IsIdentityRejected(err) {
		r.Frozen.Evict(w, err)
	}
	return err
}

func (r *Relay) forward(ctx context.Context, w *Worker, msg *platform.Message) error {
	ok, err := r.Pool.Locks().DoExisting(w.ID, func() error {
		target, err := r.sendContent(ctx, w, msg)
		if err != nil {
			return err
		}
		r.Replies.Put(msg.ID, target)
		return nil
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerEvicted, w.ID)
	}
	return err
}

func (r *Relay) setupIdentity(ctx context.Context, w *Worker, sender *platform.User) error {
	first := sender.FirstName
	if first == "" {
		first = " "
	}
	if err := w.Client.UpdateProfile(ctx, first, sender.LastName); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if err := r.mirrorAvatar(ctx, w, sender.ID); err != nil {
		if platform.IsIdentityRejected(err) && !errors.Is(err, ErrMonitorRejected) {
			return err
		}
		r.log.Warn().Err(err).
			Str("worker", w.ID).
			Str("sender", string(sender.ID)).
			Msg("Failed to mirror avatar, continuing without it")
	}
	return nil
}

func (r *Relay) mirrorAvatar(ctx context.Context, w *Worker, sender platform.UserID) error {
	photos, err := r.Monitor.GetProfilePhotos(ctx, sender, 1)
	if err != nil {
		return monitorError("get profile photos", err)
	}
	if len(photos) == 0 {
		return nil
	}
	photo := photos[0]
	path, err := r.Monitor.DownloadPhoto(ctx, photo)
	if err != nil {
		return monitorError("download profile photo", err)
	}
	defer removeTemp(r.log, path)

	upload, err := w.Client.UploadFile(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to upload profile photo: %w", err)
	}
	if err = w.Client.SetProfilePhoto(ctx, upload, photo.IsVideo); err != nil {
		return fmt.Errorf("failed to set profile photo: %w", err)
	}
	return nil
}

func (r *Relay) sendContent(ctx context.Context, w *Worker, msg *platform.Message) (platform.MessageID, error) {
	var replyTo platform.MessageID
	if msg.IsReply() {
		target, ok := r.Replies.Get(msg.ReplyTo)
		if !ok {
			return "", ErrReplyTargetUnresolved
		}
		replyTo = target
	}

	if msg.Media == nil {
		id, err := w.Client.SendText(ctx, r.cfg.Target, r.cfg.Replacements.Apply(msg.Text), replyTo)
		if err != nil {
			return "", fmt.Errorf("failed to send text: %w", err)
		}
		return id, nil
	}

	path, err := r.Monitor.DownloadMedia(ctx, msg)
	if err != nil {
		return "", monitorError("download media", err)
	}
	defer removeTemp(r.log, path)

	opts := platform.SendFileOptions{ReplyTo: replyTo}
	if isAnimated(msg.Media) {
		info := msg.Media.Info
		opts.Attributes = &info
		opts.Streaming = true
	} else {
		opts.Caption = r.cfg.Replacements.Apply(msg.Text)
	}
	id, err := w.Client.SendFile(ctx, r.cfg.Target, path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to send file: %w", err)
	}
	return id, nil
}

func isAnimated(m *platform.Media) bool {
	return m.Sticker ||
		strings.HasPrefix(m.Info.MimeType, "application/x-tgsticker") ||
		strings.HasPrefix(m.Info.MimeType, "video/webm")
}

func monitorError(op string, err error) error {
	if platform.IsIdentityRejected(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrMonitorRejected, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func removeTemp(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp file")
	}
}
