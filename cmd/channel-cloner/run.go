// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/channel-cloner/pkg/cloner"
	"github.com/aiku/channel-cloner/pkg/config"
	"github.com/aiku/channel-cloner/pkg/platform"
	"github.com/aiku/channel-cloner/pkg/platform/matrix"
	"github.com/aiku/channel-cloner/pkg/platform/mattermost"
)

const shutdownTimeout = 10 * time.Second

// clientFactory builds platform clients for one network.
type clientFactory struct {
	cfg        *config.Config
	httpClient *http.Client
	log        zerolog.Logger
}

func (f *clientFactory) newClient(token string, log zerolog.Logger) (platform.Client, error) {
	switch f.cfg.Network {
	case config.NetworkMatrix:
		client, err := matrix.NewClient(f.cfg.ServerURL, token, f.httpClient, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return mattermost.NewClient(f.cfg.ServerURL, token, f.httpClient, log), nil
	}
}

func (f *clientFactory) newEventSource(monitor platform.Client) (platform.EventSource, error) {
	channel := platform.ChannelID(f.cfg.SourceChannel)
	switch client := monitor.(type) {
	case *mattermost.Client:
		return mattermost.NewEventSource(client, channel), nil
	case *matrix.Client:
		return matrix.NewEventSource(client, channel)
	default:
		return nil, fmt.Errorf("no event source for %T", monitor)
	}
}

// newWorker satisfies cloner.WorkerFactory.
func (f *clientFactory) newWorker(_ context.Context, entry cloner.WorkerEntry) (*cloner.Worker, error) {
	client, err := f.newClient(entry.Token, f.log.With().Str("worker", entry.Name).Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create client for worker %s: %w", entry.Name, err)
	}
	return &cloner.Worker{ID: entry.Name, Client: client}, nil
}

// mergeWorkerEntries returns the config entries followed by environment
// entries whose name is not configured already.
func mergeWorkerEntries(configured, fromEnv []cloner.WorkerEntry) []cloner.WorkerEntry {
	seen := make(map[string]struct{}, len(configured)+len(fromEnv))
	out := make([]cloner.WorkerEntry, 0, len(configured)+len(fromEnv))
	for _, list := range [][]cloner.WorkerEntry{configured, fromEnv} {
		for _, entry := range list {
			if _, ok := seen[entry.Name]; ok {
				continue
			}
			seen[entry.Name] = struct{}{}
			out = append(out, entry)
		}
	}
	return out
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	factory := &clientFactory{cfg: cfg, httpClient: cfg.HTTPClient(), log: log}

	replies, err := cloner.NewReplyIndex(cfg.ReplyIndex.Backend, cfg.ReplyIndex.MaxEntries, cfg.ReplyIndex.TTL)
	if err != nil {
		return err
	}
	monitor, err := factory.newClient(cfg.MonitorToken, log.With().Str("account", "monitor").Logger())
	if err != nil {
		return fmt.Errorf("failed to create monitor client: %w", err)
	}
	pool := cloner.NewAccountPool(nil)
	relay := cloner.NewRelay(monitor, pool, cloner.RelayConfig{
		Source:       platform.ChannelID(cfg.SourceChannel),
		Target:       platform.ChannelID(cfg.TargetChannel),
		BotPrefix:    cfg.BotPrefix,
		Blacklist:    cfg.BlacklistSet(),
		Replacements: cloner.ReplacementTable(cfg.Replacements),
		Replies:      replies,
	}, log)
	defer disconnectAll(monitor, pool)

	if err = relay.StartMonitor(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	source, err := factory.newEventSource(monitor)
	if err != nil {
		return err
	}

	entries := mergeWorkerEntries(cfg.WorkerEntries(), config.WorkersFromEnv())
	workers := make([]*cloner.Worker, 0, len(entries))
	for _, entry := range entries {
		w, err := factory.newWorker(ctx, entry)
		if err != nil {
			log.Warn().Err(err).Str("worker", entry.Name).Msg("Skipping worker")
			continue
		}
		workers = append(workers, w)
	}
	enlisted := relay.EnlistWorkers(ctx, workers)
	if enlisted == 0 {
		log.Warn().Msg("No worker accounts available, new senders will not be relayed until workers are added")
	} else {
		log.Info().Int("workers", enlisted).Int("configured", len(entries)).Msg("Worker pool ready")
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relay.Run(gCtx, source); err != nil {
			return err
		}
		if gCtx.Err() == nil {
			return errors.New("event source stopped unexpectedly")
		}
		return nil
	})
	if cfg.AdminAPIAddr != "" {
		admin := cloner.NewAdminAPI(relay, factory.newWorker, config.WorkersFromEnv, log)
		server := &http.Server{
			Addr:         cfg.AdminAPIAddr,
			Handler:      admin.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.AdminAPIAddr).Msg("Starting admin API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down admin API cleanly")
			}
			return nil
		})
	}
	return g.Wait()
}

func disconnectAll(monitor platform.Client, pool *cloner.AccountPool) {
	for _, state := range pool.Snapshot() {
		if w := pool.Get(state.ID); w != nil {
			w.Client.Disconnect()
		}
	}
	monitor.Disconnect()
}
