// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cloner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// WorkerEntry is a worker definition as received over the admin API or read
// from the environment.
type WorkerEntry struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// WorkerFactory builds an unconnected worker from an entry.
type WorkerFactory func(ctx context.Context, entry WorkerEntry) (*Worker, error)

// AdminAPI exposes pool status and lets operators add workers at runtime.
type AdminAPI struct {
	Relay   *Relay
	Factory WorkerFactory
	// EnvEntries is consulted when POST /api/workers has an empty body.
	EnvEntries func() []WorkerEntry

	log zerolog.Logger
}

func NewAdminAPI(relay *Relay, factory WorkerFactory, envEntries func() []WorkerEntry, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		Relay:      relay,
		Factory:    factory,
		EnvEntries: envEntries,
		log:        log.With().Str("component", "admin_api").Logger(),
	}
}

// PoolStatus is the response body of GET /api/pool.
type PoolStatus struct {
	Workers        []WorkerState     `json:"workers"`
	ClonedSenders  []platform.UserID `json:"cloned_senders"`
	ReplyIndexSize int               `json:"reply_index_size"`
}

// AddWorkersResult is the response body of POST /api/workers.
type AddWorkersResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// maxAdminBodySize is the maximum allowed request body for worker additions (1 MB).
const maxAdminBodySize = 1 << 20

// Handler returns the admin HTTP routes.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pool", a.HandlePool)
	mux.HandleFunc("/api/workers", a.HandleAddWorkers)
	return mux
}

// HandlePool is an HTTP handler for GET /api/pool.
func (a *AdminAPI) HandlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cloned := a.Relay.ClonedSenders()
	if cloned == nil {
		cloned = []platform.UserID{}
	}
	a.writeJSON(w, PoolStatus{
		Workers:        a.Relay.Pool.Snapshot(),
		ClonedSenders:  cloned,
		ReplyIndexSize: a.Relay.Replies.Len(),
	})
}

// HandleAddWorkers is an HTTP handler for POST /api/workers. It accepts a
// JSON list of worker entries; if the body is empty or absent, the entries
// are read from the environment.
func (a *AdminAPI) HandleAddWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var entries []WorkerEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err = json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}
	source := "body"
	if len(entries) == 0 && a.EnvEntries != nil {
		entries = a.EnvEntries()
		source = "env"
	}

	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing worker addition")

	result := a.AddWorkers(r.Context(), entries)
	a.writeJSON(w, result)
}

// AddWorkers enlists every entry whose name is neither in the pool nor
// previously evicted.
func (a *AdminAPI) AddWorkers(ctx context.Context, entries []WorkerEntry) AddWorkersResult {
	var res AddWorkersResult
	for _, entry := range entries {
		if entry.Name == "" || entry.Token == "" {
			res.Skipped++
			continue
		}
		if present, evicted := a.Relay.Pool.Has(entry.Name); present || evicted {
			res.Skipped++
			continue
		}
		worker, err := a.Factory(ctx, entry)
		if err != nil {
			a.log.Error().Err(err).Str("worker", entry.Name).Msg("Failed to create worker client, skipping")
			res.Skipped++
			continue
		}
		if err = a.Relay.EnlistWorker(ctx, worker); err != nil {
			a.log.Error().Err(err).Str("worker", entry.Name).Msg("Failed to enlist worker, skipping")
			res.Skipped++
			continue
		}
		res.Added++
	}
	res.Total = a.Relay.Pool.Len()
	a.log.Info().
		Int("added", res.Added).
		Int("skipped", res.Skipped).
		Int("total", res.Total).
		Msg("Worker addition complete")
	return res
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write response")
	}
}
