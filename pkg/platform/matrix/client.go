// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix implements platform.Client and platform.EventSource with
// the Matrix client-server API.
package matrix

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// Client is a single Matrix account authenticated with an access token.
type Client struct {
	cli *mautrix.Client
	log zerolog.Logger
}

var _ platform.Client = (*Client)(nil)

// NewClient creates a client for the homeserver. httpClient may be nil.
func NewClient(homeserverURL, token string, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	cli, err := mautrix.NewClient(homeserverURL, "", token)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	if httpClient != nil {
		cli.Client = httpClient
	}
	return &Client{
		cli: cli,
		log: log.With().Str("component", "matrix_client").Logger(),
	}, nil
}

// UserID returns the authenticated user's ID once Connect succeeded.
func (c *Client) UserID() id.UserID {
	return c.cli.UserID
}

func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return classify("connect", err)
	}
	c.cli.UserID = resp.UserID
	c.cli.DeviceID = resp.DeviceID
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if _, err := c.cli.Whoami(ctx); err != nil {
		err = classify("is_authorized", err)
		if platform.IsIdentityRejected(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) GetMe(ctx context.Context) (*platform.User, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return nil, classify("get_me", err)
	}
	return &platform.User{ID: platform.UserID(resp.UserID), Username: resp.UserID.Localpart()}, nil
}

func (c *Client) send(ctx context.Context, channel platform.ChannelID, content *event.MessageEventContent, replyTo platform.MessageID) (platform.MessageID, error) {
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	}
	resp, err := c.cli.SendMessageEvent(ctx, id.RoomID(channel), event.EventMessage, content)
	if err != nil {
		return "", classify("send_message", err)
	}
	return platform.MessageID(resp.EventID), nil
}

func (c *Client) SendText(ctx context.Context, channel platform.ChannelID, text string, replyTo platform.MessageID) (platform.MessageID, error) {
	content := &event.MessageEventContent{MsgType: event.MsgText}
	setMarkdownBody(content, text)
	return c.send(ctx, channel, content, replyTo)
}

// SendFile uploads the file and posts it as an image, video, audio or file
// message depending on its mime type. A caption becomes the body and the
// file name moves to the filename field.
func (c *Client) SendFile(ctx context.Context, channel platform.ChannelID, path string, opts platform.SendFileOptions) (platform.MessageID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	info := &event.FileInfo{Size: len(data)}
	filename := filepath.Base(path)
	if attrs := opts.Attributes; attrs != nil {
		info.MimeType = attrs.MimeType
		info.Width = attrs.Width
		info.Height = attrs.Height
		info.Duration = attrs.DurationMS
		if attrs.FileName != "" {
			filename = attrs.FileName
		}
	}
	if info.MimeType == "" {
		info.MimeType = http.DetectContentType(data)
	}
	uploaded, err := c.cli.UploadBytesWithName(ctx, data, info.MimeType, filename)
	if err != nil {
		return "", classify("upload_media", err)
	}
	content := &event.MessageEventContent{
		MsgType: msgTypeFor(info.MimeType, opts.ForceDocument),
		Body:    filename,
		URL:     uploaded.ContentURI.CUString(),
		Info:    info,
	}
	if opts.Caption != "" {
		setMarkdownBody(content, opts.Caption)
		content.FileName = filename
	}
	return c.send(ctx, channel, content, opts.ReplyTo)
}

func msgTypeFor(mimeType string, forceDocument bool) event.MessageType {
	if forceDocument {
		return event.MsgFile
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

func (c *Client) download(ctx context.Context, op, ref string) ([]byte, error) {
	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content URI %q: %w", ref, err)
	}
	data, err := c.cli.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, classify(op, err)
	}
	return data, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg *platform.Message) (string, error) {
	if msg.Media == nil {
		return "", fmt.Errorf("message %s has no media", msg.ID)
	}
	data, err := c.download(ctx, "download_media", msg.Media.Ref)
	if err != nil {
		return "", err
	}
	return platform.WriteTempFile(data, msg.Media.Info.MimeType, msg.Media.Info.FileName)
}

// GetProfilePhotos returns the user's current avatar, if any. Matrix keeps
// no avatar history.
func (c *Client) GetProfilePhotos(ctx context.Context, user platform.UserID, limit int) ([]platform.Photo, error) {
	if limit <= 0 {
		return nil, nil
	}
	profile, err := c.cli.GetProfile(ctx, id.UserID(user))
	if err != nil {
		return nil, classify("get_profile", err)
	}
	if profile.AvatarURL.IsEmpty() {
		return nil, nil
	}
	return []platform.Photo{{Ref: profile.AvatarURL.String()}}, nil
}

func (c *Client) DownloadPhoto(ctx context.Context, photo platform.Photo) (string, error) {
	data, err := c.download(ctx, "download_avatar", photo.Ref)
	if err != nil {
		return "", err
	}
	mimeType := photo.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return platform.WriteTempFile(data, mimeType, "avatar")
}

func (c *Client) UploadFile(ctx context.Context, path string) (*platform.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	mimeType := http.DetectContentType(data)
	resp, err := c.cli.UploadBytesWithName(ctx, data, mimeType, filepath.Base(path))
	if err != nil {
		return nil, classify("upload_media", err)
	}
	return &platform.Upload{Ref: resp.ContentURI.String(), Path: path, MimeType: mimeType}, nil
}

// SetProfilePhoto sets the avatar. Matrix avatars are always still images;
// a video upload is used as-is and rendered by clients as they see fit.
func (c *Client) SetProfilePhoto(ctx context.Context, upload *platform.Upload, _ bool) error {
	uri, err := id.ParseContentURI(upload.Ref)
	if err != nil {
		return fmt.Errorf("failed to parse content URI %q: %w", upload.Ref, err)
	}
	return classify("set_avatar_url", c.cli.SetAvatarURL(ctx, uri))
}

func (c *Client) DeleteProfilePhotos(ctx context.Context) error {
	return classify("set_avatar_url", c.cli.SetAvatarURL(ctx, id.ContentURI{}))
}

// UpdateProfile sets the display name to "first last". Matrix has a single
// display name field.
func (c *Client) UpdateProfile(ctx context.Context, firstName, lastName string) error {
	name := strings.TrimSpace(firstName + " " + lastName)
	if name == "" {
		name = firstName
	}
	return classify("set_displayname", c.cli.SetDisplayName(ctx, name))
}

func (c *Client) JoinChannel(ctx context.Context, channel platform.ChannelID) error {
	_, err := c.cli.JoinRoomByID(ctx, id.RoomID(channel))
	return classify("join_room", err)
}

func (c *Client) Disconnect() {
	c.cli.StopSync()
}
