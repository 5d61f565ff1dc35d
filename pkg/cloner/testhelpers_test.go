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
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/channel-cloner/pkg/platform"
)

var msgCounter atomic.Int64

// sentMessage records a SendText or SendFile call.
type sentMessage struct {
	Client  string
	Kind    string
	Text    string
	Path    string
	Opts    platform.SendFileOptions
	ReplyTo platform.MessageID
	ID      platform.MessageID
}

// fakeClient is an in-memory platform.Client that records calls.
type fakeClient struct {
	name string
	self platform.UserID

	mu        sync.Mutex
	calls     []string
	sent      []sentMessage
	first     string
	last      string
	avatar    *platform.Upload
	tempFiles []string
	// Fail maps an operation name to the error it returns.
	Fail map[string]error
	// Photos maps a user to their profile photos (monitor only).
	Photos map[platform.UserID][]platform.Photo

	// BeforeOp runs at the start of every operation, outside the mutex.
	BeforeOp func(op string)

	inflight     atomic.Int32
	overlapped   atomic.Bool
	disconnected atomic.Bool
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:   name,
		self:   platform.UserID("self-" + name),
		Fail:   make(map[string]error),
		Photos: make(map[platform.UserID][]platform.Photo),
	}
}

func (f *fakeClient) enter(op string) error {
	if f.inflight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	if f.BeforeOp != nil {
		f.BeforeOp(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err, ok := f.Fail[op]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) exit() { f.inflight.Add(-1) }

func (f *fakeClient) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail[op] = err
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeClient) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeClient) Profile() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first, f.last
}

func (f *fakeClient) TempFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.tempFiles))
	copy(cp, f.tempFiles)
	return cp
}

func (f *fakeClient) Connect(context.Context) error {
	defer f.exit()
	return f.enter("connect")
}

func (f *fakeClient) IsAuthorized(context.Context) (bool, error) {
	defer f.exit()
	if err := f.enter("is_authorized"); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeClient) GetMe(context.Context) (*platform.User, error) {
	defer f.exit()
	if err := f.enter("get_me"); err != nil {
		return nil, err
	}
	return &platform.User{ID: f.self, Username: f.name}, nil
}

func (f *fakeClient) record(m sentMessage) platform.MessageID {
	m.Client = f.name
	m.ID = platform.MessageID(fmt.Sprintf("t%d", msgCounter.Add(1)))
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return m.ID
}

func (f *fakeClient) SendText(_ context.Context, _ platform.ChannelID, text string, replyTo platform.MessageID) (platform.MessageID, error) {
	defer f.exit()
	if err := f.enter("send_text"); err != nil {
		return "", err
	}
	return f.record(sentMessage{Kind: "text", Text: text, ReplyTo: replyTo}), nil
}

func (f *fakeClient) SendFile(_ context.Context, _ platform.ChannelID, path string, opts platform.SendFileOptions) (platform.MessageID, error) {
	defer f.exit()
	if err := f.enter("send_file"); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("file to send is missing: %w", err)
	}
	return f.record(sentMessage{Kind: "file", Text: opts.Caption, Path: path, Opts: opts, ReplyTo: opts.ReplyTo}), nil
}

func (f *fakeClient) tempFile(pattern string) (string, error) {
	file, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	_ = file.Close()
	f.mu.Lock()
	f.tempFiles = append(f.tempFiles, file.Name())
	f.mu.Unlock()
	return file.Name(), nil
}

func (f *fakeClient) DownloadMedia(context.Context, *platform.Message) (string, error) {
	defer f.exit()
	if err := f.enter("download_media"); err != nil {
		return "", err
	}
	return f.tempFile("media-*")
}

func (f *fakeClient) GetProfilePhotos(_ context.Context, user platform.UserID, limit int) ([]platform.Photo, error) {
	defer f.exit()
	if err := f.enter("get_profile_photos"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	photos := f.Photos[user]
	if len(photos) > limit {
		photos = photos[:limit]
	}
	return photos, nil
}

func (f *fakeClient) DownloadPhoto(context.Context, platform.Photo) (string, error) {
	defer f.exit()
	if err := f.enter("download_photo"); err != nil {
		return "", err
	}
	return f.tempFile("photo-*")
}

func (f *fakeClient) UploadFile(_ context.Context, path string) (*platform.Upload, error) {
	defer f.exit()
	if err := f.enter("upload_file"); err != nil {
		return nil, err
	}
	return &platform.Upload{Ref: "up-" + f.name, Path: path}, nil
}

func (f *fakeClient) SetProfilePhoto(_ context.Context, upload *platform.Upload, isVideo bool) error {
	defer f.exit()
	op := "set_profile_photo"
	if isVideo {
		op = "set_profile_video"
	}
	if err := f.enter(op); err != nil {
		return err
	}
	f.mu.Lock()
	f.avatar = upload
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) DeleteProfilePhotos(context.Context) error {
	defer f.exit()
	return f.enter("delete_profile_photos")
}

func (f *fakeClient) UpdateProfile(_ context.Context, first, last string) error {
	defer f.exit()
	if err := f.enter("update_profile"); err != nil {
		return err
	}
	f.mu.Lock()
	f.first, f.last = first, last
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) JoinChannel(context.Context, platform.ChannelID) error {
	defer f.exit()
	return f.enter("join_channel")
}

func (f *fakeClient) Disconnect() {
	f.disconnected.Store(true)
}

func countCalls(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

var errRejected = platform.NewError("send", platform.KindIdentityRejected, errors.New("account frozen"))

// testRelay bundles a relay with its fake clients.
type testRelay struct {
	*Relay
	monitor *fakeClient
	workers map[string]*fakeClient
}

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newTestRelay(t fataler, workerNames []string, cfg RelayConfig) *testRelay {
	t.Helper()
	if cfg.Target == "" {
		cfg.Target = "target"
	}
	if cfg.Source == "" {
		cfg.Source = "source"
	}
	monitor := newFakeClient("monitor")
	relay := NewRelay(monitor, NewAccountPool(nil), cfg, zerolog.Nop())
	tr := &testRelay{Relay: relay, monitor: monitor, workers: make(map[string]*fakeClient)}
	for _, name := range workerNames {
		fc := newFakeClient(name)
		tr.workers[name] = fc
		if err := relay.Pool.Add(&Worker{ID: name, Client: fc, Self: fc.self}); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	return tr
}

func textEvent(sender, msgID, text string) *Event {
	return &Event{
		Sender:  &platform.User{ID: platform.UserID(sender), FirstName: "First " + sender, LastName: "Last"},
		Message: &platform.Message{ID: platform.MessageID(msgID), Text: text},
	}
}

func replyEvent(sender, msgID, text, replyTo string) *Event {
	evt := textEvent(sender, msgID, text)
	evt.Message.ReplyTo = platform.MessageID(replyTo)
	return evt
}

func mediaEvent(sender, msgID, caption, mime string) *Event {
	evt := textEvent(sender, msgID, caption)
	evt.Message.Media = &platform.Media{Ref: "media-" + msgID, Info: platform.MediaInfo{MimeType: mime, Width: 512, Height: 512}}
	return evt
}

// allSent returns every message sent by any worker.
func (tr *testRelay) allSent() []sentMessage {
	var out []sentMessage
	for _, fc := range tr.workers {
		out = append(out, fc.Sent()...)
	}
	return out
}
