// Copyright 2024-2026 Aiku AI

package matrix

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type hsCall struct {
	Method string
	Path   string
	Body   string
}

// fakeHomeserver simulates the subset of the client-server API the adapter
// uses. Routes are matched on path fragments so the test does not depend on
// the exact API version prefix.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []hsCall

	// Tokens maps access tokens to user IDs.
	Tokens map[string]string
	// Profiles maps user IDs to {displayname, avatar_url}.
	Profiles map[string]map[string]string
	// Media maps "server/id" to content.
	Media map[string][]byte
	// Fail maps a path fragment to a Matrix error code.
	Fail map[string]string

	sent int
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Tokens:   make(map[string]string),
		Profiles: make(map[string]map[string]string),
		Media:    make(map[string][]byte),
		Fail:     make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) newClient(t *testing.T, token string) *Client {
	t.Helper()
	c, err := NewClient(f.Server.URL, token, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func (f *fakeHomeserver) Calls() []hsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hsCall(nil), f.calls...)
}

func (f *fakeHomeserver) Find(method, fragment string) *hsCall {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, fragment) {
			return &c
		}
	}
	return nil
}

func writeMatrixError(w http.ResponseWriter, code string) {
	status := http.StatusBadRequest
	switch code {
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN", "M_USER_DEACTIVATED":
		status = http.StatusUnauthorized
	case "M_NOT_FOUND":
		status = http.StatusNotFound
	case "M_FORBIDDEN":
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": "fake error"})
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.EscapedPath()
	f.mu.Lock()
	f.calls = append(f.calls, hsCall{Method: r.Method, Path: path, Body: string(body)})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	for fragment, code := range f.Fail {
		if strings.Contains(path, fragment) {
			writeMatrixError(w, code)
			return
		}
	}

	user, ok := f.Tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	// Legacy unauthenticated media downloads carry no token.
	if !ok && !strings.Contains(path, "/download/") {
		writeMatrixError(w, "M_UNKNOWN_TOKEN")
		return
	}

	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": user, "device_id": "DEV"})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		f.mu.Lock()
		f.sent++
		n := f.sent
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent" + string(rune('0'+n))})

	case r.Method == http.MethodPost && strings.Contains(path, "/upload"):
		_ = json.NewEncoder(w).Encode(map[string]string{"content_uri": "mxc://fake.server/uploaded"})

	case r.Method == http.MethodGet && strings.Contains(path, "/download/"):
		key := path[strings.Index(path, "/download/")+len("/download/"):]
		if data, ok := f.Media[key]; ok {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(data)
			return
		}
		writeMatrixError(w, "M_NOT_FOUND")

	case r.Method == http.MethodPut && strings.Contains(path, "/profile/"):
		_ = json.NewEncoder(w).Encode(map[string]string{})

	case r.Method == http.MethodGet && strings.Contains(path, "/profile/"):
		target := path[strings.Index(path, "/profile/")+len("/profile/"):]
		target = strings.ReplaceAll(target, "%40", "@")
		target = strings.ReplaceAll(target, "%3A", ":")
		if p, ok := f.Profiles[target]; ok {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		writeMatrixError(w, "M_NOT_FOUND")

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/join"):
		_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!room:fake.server"})

	default:
		writeMatrixError(w, "M_UNRECOGNIZED")
	}
}
