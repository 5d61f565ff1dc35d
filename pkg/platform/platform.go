// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package platform defines the messaging-platform capability the cloner core
// talks to. Concrete adapters live in the mattermost and matrix sub-packages.
//
// Every adapter classifies its failures into an [*Error] so callers can detect
// a rejected identity with errors.Is(err, ErrIdentityRejected) without ever
// looking at transport error text.
package platform

import (
	"context"
	"strings"
)

// UserID is a platform-assigned account identifier.
type UserID string

// MessageID is a platform-assigned message identifier.
type MessageID string

// ChannelID identifies a channel or room.
type ChannelID string

// User describes a message author.
type User struct {
	ID        UserID
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// MediaInfo carries the attributes of an attachment that should survive a
// re-upload (dimensions, duration, original name).
type MediaInfo struct {
	MimeType   string
	FileName   string
	Size       int64
	Width      int
	Height     int
	DurationMS int
}

// Media describes the attachment of a message. Ref is adapter-specific (a
// Mattermost file ID, a Matrix mxc:// URI).
type Media struct {
	Ref     string
	Sticker bool
	Info    MediaInfo
}

// Message is a source-channel message.
type Message struct {
	ID      MessageID
	Channel ChannelID
	// Text is markdown. It is the caption when Media is set.
	Text  string
	Media *Media
	// ReplyTo is the ID of the message this one replies to, or empty.
	ReplyTo MessageID
}

// IsReply reports whether the message replies to another message.
func (m *Message) IsReply() bool {
	return m.ReplyTo != ""
}

// Event is a message-arrival notification from the source channel.
type Event struct {
	Sender  *User
	Message *Message
}

// Photo is a profile photo reference.
type Photo struct {
	Ref      string
	MimeType string
	IsVideo  bool
}

// Upload is a handle to a file that has been uploaded (or staged) through a
// specific client for later use as a profile photo.
type Upload struct {
	Ref      string
	Path     string
	MimeType string
}

// SendFileOptions controls how a file is posted.
type SendFileOptions struct {
	Caption       string
	ForceDocument bool
	Streaming     bool
	Attributes    *MediaInfo
	ReplyTo       MessageID
}

// Client is an authenticated platform session. The cloner uses one Client for
// the monitoring account and one per worker account.
type Client interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	GetMe(ctx context.Context) (*User, error)

	SendText(ctx context.Context, channel ChannelID, text string, replyTo MessageID) (MessageID, error)
	SendFile(ctx context.Context, channel ChannelID, path string, opts SendFileOptions) (MessageID, error)
	// DownloadMedia stores the attachment of msg in a temporary file and
	// returns its path. The caller owns the file.
	DownloadMedia(ctx context.Context, msg *Message) (string, error)

	GetProfilePhotos(ctx context.Context, user UserID, limit int) ([]Photo, error)
	// DownloadPhoto stores the photo in a temporary file owned by the caller.
	DownloadPhoto(ctx context.Context, photo Photo) (string, error)
	UploadFile(ctx context.Context, path string) (*Upload, error)
	SetProfilePhoto(ctx context.Context, upload *Upload, isVideo bool) error
	DeleteProfilePhotos(ctx context.Context) error
	UpdateProfile(ctx context.Context, firstName, lastName string) error

	JoinChannel(ctx context.Context, channel ChannelID) error
	Disconnect()
}

// EventSource yields message events scoped to the source channel. The
// returned channel is closed when ctx is done or the source stops.
type EventSource interface {
	Listen(ctx context.Context) (<-chan *Event, error)
}

// IsBotName reports whether username marks an automated account under the
// given prefix. An empty prefix disables the check.
func IsBotName(username, prefix string) bool {
	return prefix != "" && strings.HasPrefix(strings.TrimPrefix(username, "@"), prefix)
}
