// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements platform.Client and platform.EventSource on
// top of the Mattermost REST and WebSocket APIs.
package mattermost

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/channel-cloner/pkg/platform"
)

// Client is a single authenticated Mattermost account.
type Client struct {
	client    *model.Client4
	serverURL string

	mu     sync.RWMutex
	userID string
	ws     *model.WebSocketClient

	log zerolog.Logger
}

var _ platform.Client = (*Client)(nil)

// NewClient creates a client for serverURL authenticated with a personal
// access token. httpClient may be nil.
func NewClient(serverURL, token string, httpClient *http.Client, log zerolog.Logger) *Client {
	serverURL = strings.TrimSuffix(serverURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &Client{
		client:    client,
		serverURL: serverURL,
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// UserID returns the authenticated user's ID once Connect succeeded.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Connect(ctx context.Context) error {
	me, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		return classify("connect", resp, err)
	}
	c.mu.Lock()
	c.userID = me.Id
	c.mu.Unlock()
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	_, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		err = classify("is_authorized", resp, err)
		if platform.IsIdentityRejected(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) GetMe(ctx context.Context) (*platform.User, error) {
	me, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		return nil, classify("get_me", resp, err)
	}
	return convertUser(me), nil
}

func convertUser(u *model.User) *platform.User {
	return &platform.User{
		ID:        platform.UserID(u.Id),
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
}

// threadRoot returns the root of the thread postID belongs to. Mattermost
// only accepts thread roots as RootId.
func (c *Client) threadRoot(ctx context.Context, postID platform.MessageID) (string, error) {
	if postID == "" {
		return "", nil
	}
	post, resp, err := c.client.GetPost(ctx, string(postID), "")
	if err != nil {
		return "", classify("get_post", resp, err)
	}
	if post.RootId != "" {
		return post.RootId, nil
	}
	return post.Id, nil
}

func (c *Client) createPost(ctx context.Context, post *model.Post, replyTo platform.MessageID) (platform.MessageID, error) {
	root, err := c.threadRoot(ctx, replyTo)
	if err != nil {
		return "", err
	}
	post.RootId = root
	created, resp, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return "", classify("create_post", resp, err)
	}
	return platform.MessageID(created.Id), nil
}

func (c *Client) SendText(ctx context.Context, channel platform.ChannelID, text string, replyTo platform.MessageID) (platform.MessageID, error) {
	return c.createPost(ctx, &model.Post{ChannelId: string(channel), Message: text}, replyTo)
}

// SendFile uploads the file to the channel and posts it. Mattermost has no
// notion of streamable or attribute-carrying uploads, so only the original
// file name survives from opts.Attributes.
func (c *Client) SendFile(ctx context.Context, channel platform.ChannelID, path string, opts platform.SendFileOptions) (platform.MessageID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	filename := filepath.Base(path)
	if opts.Attributes != nil && opts.Attributes.FileName != "" {
		filename = opts.Attributes.FileName
	}
	uploaded, resp, err := c.client.UploadFile(ctx, data, string(channel), filename)
	if err != nil {
		return "", classify("upload_file", resp, err)
	}
	if len(uploaded.FileInfos) == 0 {
		return "", platform.NewError("upload_file", platform.KindTransient, fmt.Errorf("no file info returned from upload"))
	}
	post := &model.Post{
		ChannelId: string(channel),
		Message:   opts.Caption,
		FileIds:   []string{uploaded.FileInfos[0].Id},
	}
	return c.createPost(ctx, post, opts.ReplyTo)
}

func (c *Client) DownloadMedia(ctx context.Context, msg *platform.Message) (string, error) {
	if msg.Media == nil {
		return "", fmt.Errorf("message %s has no media", msg.ID)
	}
	data, resp, err := c.client.GetFile(ctx, msg.Media.Ref)
	if err != nil {
		return "", classify("get_file", resp, err)
	}
	return platform.WriteTempFile(data, msg.Media.Info.MimeType, msg.Media.Info.FileName)
}

// GetProfilePhotos returns at most one photo: Mattermost keeps a single
// profile image per user. Users that never uploaded one have none.
func (c *Client) GetProfilePhotos(ctx context.Context, user platform.UserID, limit int) ([]platform.Photo, error) {
	if limit <= 0 {
		return nil, nil
	}
	u, resp, err := c.client.GetUser(ctx, string(user), "")
	if err != nil {
		return nil, classify("get_user", resp, err)
	}
	if u.LastPictureUpdate <= 0 {
		return nil, nil
	}
	return []platform.Photo{{Ref: u.Id, MimeType: "image/png"}}, nil
}

func (c *Client) DownloadPhoto(ctx context.Context, photo platform.Photo) (string, error) {
	data, resp, err := c.client.GetProfileImage(ctx, photo.Ref, "")
	if err != nil {
		return "", classify("get_profile_image", resp, err)
	}
	return platform.WriteTempFile(data, photo.MimeType, "avatar.png")
}

// UploadFile stages a local file for SetProfilePhoto. Mattermost uploads
// profile images in the same request that sets them.
func (c *Client) UploadFile(_ context.Context, path string) (*platform.Upload, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat upload: %w", err)
	}
	return &platform.Upload{Ref: path, Path: path}, nil
}

func (c *Client) SetProfilePhoto(ctx context.Context, upload *platform.Upload, isVideo bool) error {
	if isVideo {
		c.log.Debug().Msg("Video avatars are not supported, uploading as a still image")
	}
	data, err := os.ReadFile(upload.Path)
	if err != nil {
		return fmt.Errorf("failed to read profile photo: %w", err)
	}
	resp, err := c.client.SetProfileImage(ctx, c.UserID(), data)
	return classify("set_profile_image", resp, err)
}

func (c *Client) DeleteProfilePhotos(ctx context.Context) error {
	resp, err := c.client.SetDefaultProfileImage(ctx, c.UserID())
	return classify("set_default_profile_image", resp, err)
}

func (c *Client) UpdateProfile(ctx context.Context, firstName, lastName string) error {
	patch := &model.UserPatch{
		FirstName: ptr.Ptr(firstName),
		LastName:  ptr.Ptr(lastName),
	}
	_, resp, err := c.client.PatchUser(ctx, c.UserID(), patch)
	return classify("patch_user", resp, err)
}

func (c *Client) JoinChannel(ctx context.Context, channel platform.ChannelID) error {
	_, resp, err := c.client.AddChannelMember(ctx, string(channel), c.UserID())
	return classify("add_channel_member", resp, err)
}

// Disconnect closes the WebSocket if one was opened. The access token stays
// valid.
func (c *Client) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
