// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Posts maps post ID to an existing post for GetPost.
	Posts map[string]*model.Post
	// Files maps file ID to its info; FileData holds the content.
	Files    map[string]*model.FileInfo
	FileData map[string][]byte
	// Images maps user ID to profile image bytes.
	Images map[string][]byte
	// FailEndpoints causes matching path substrings to return the given status.
	FailEndpoints map[string]int

	created []*model.Post
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Posts:         make(map[string]*model.Post),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		Images:        make(map[string][]byte),
		FailEndpoints: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) newClient(token string) *Client {
	return NewClient(f.Server.URL, token, nil, zerolog.Nop())
}

func (f *fakeMM) addUser(token string, u *model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[u.Id] = u
	if token != "" {
		f.TokenToUser[token] = u.Id
	}
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) Called(method, path string) *endpointCall {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			return &c
		}
	}
	return nil
}

func (f *fakeMM) Created() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Post(nil), f.created...)
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		// model.Client4 uses "BEARER" (uppercase), standard HTTP uses "Bearer".
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, id string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "message": "fake error", "status_code": status})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for substr, status := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, substr) {
			writeError(w, status, "fake.error")
			return
		}
	}

	uid := f.resolveToken(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "api.context.session_expired.app_error")
		return
	}

	path := r.URL.Path
	parts := strings.Split(strings.TrimPrefix(path, "/api/v4/"), "/")

	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(f.Users[uid])

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users":
		if u, ok := f.Users[parts[1]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeError(w, http.StatusNotFound, "app.user.missing_account.const")

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "users" && parts[2] == "patch":
		var patch model.UserPatch
		_ = json.Unmarshal(body, &patch)
		f.mu.Lock()
		u := f.Users[parts[1]]
		if u != nil {
			u.Patch(&patch)
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(u)

	case len(parts) == 3 && parts[0] == "users" && parts[2] == "image":
		switch r.Method {
		case http.MethodGet:
			if img, ok := f.Images[parts[1]]; ok {
				_, _ = w.Write(img)
				return
			}
			writeError(w, http.StatusNotFound, "api.user.get_profile_image.not_found")
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
		}

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "channels" && parts[2] == "members":
		_ = json.NewEncoder(w).Encode(&model.ChannelMember{ChannelId: parts[1], UserId: uid})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "posts":
		if p, ok := f.Posts[parts[1]]; ok {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		writeError(w, http.StatusNotFound, "app.post.get.app_error")

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		post.Id = "created-" + string(rune('a'+len(f.created)))
		post.UserId = uid
		f.created = append(f.created, &post)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	case r.Method == http.MethodPost && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "info":
		if fi, ok := f.Files[parts[1]]; ok {
			_ = json.NewEncoder(w).Encode(fi)
			return
		}
		writeError(w, http.StatusNotFound, "app.file_info.get.app_error")

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "files":
		if data, ok := f.FileData[parts[1]]; ok {
			_, _ = w.Write(data)
			return
		}
		writeError(w, http.StatusNotFound, "app.file_info.get.app_error")

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postedEvent(post *model.Post) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{"post": string(raw)})
}
