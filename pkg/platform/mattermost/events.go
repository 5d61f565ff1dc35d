// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/patrickmn/go-cache"

	"github.com/aiku/channel-cloner/pkg/platform"
)

const (
	reconnectDelay = 5 * time.Second
	userCacheTTL   = 10 * time.Minute
)

// EventSource streams new posts from one channel over the WebSocket API of
// the client's account.
type EventSource struct {
	client  *Client
	channel platform.ChannelID
	users   *cache.Cache

	dial func() (*model.WebSocketClient, error)
}

var _ platform.EventSource = (*EventSource)(nil)

func NewEventSource(client *Client, channel platform.ChannelID) *EventSource {
	src := &EventSource{
		client:  client,
		channel: channel,
		users:   cache.New(userCacheTTL, 2*userCacheTTL),
	}
	src.dial = src.dialWebSocket
	return src
}

func (s *EventSource) dialWebSocket() (*model.WebSocketClient, error) {
	ws, err := model.NewWebSocketClient4(httpToWS(s.client.serverURL), s.client.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	s.client.mu.Lock()
	s.client.ws = ws
	s.client.mu.Unlock()
	return ws, nil
}

// Listen opens the WebSocket and starts forwarding posts. The connection is
// re-established when the server drops it.
func (s *EventSource) Listen(ctx context.Context) (<-chan *platform.Event, error) {
	ws, err := s.dial()
	if err != nil {
		return nil, err
	}
	s.client.log.Info().Str("channel_id", string(s.channel)).Msg("WebSocket connected")
	out := make(chan *platform.Event)
	go s.loop(ctx, ws, out)
	return out, nil
}

func (s *EventSource) loop(ctx context.Context, ws *model.WebSocketClient, out chan<- *platform.Event) {
	defer close(out)
	defer func() {
		if ws != nil {
			ws.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case wsEvt, ok := <-ws.EventChannel:
			if !ok {
				s.client.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				ws = s.reconnect(ctx)
				if ws == nil {
					return
				}
				continue
			}
			if wsEvt == nil || wsEvt.EventType() != model.WebsocketEventPosted {
				continue
			}
			evt, err := s.convertPosted(ctx, wsEvt)
			if err != nil {
				s.client.log.Warn().Err(err).Msg("Failed to parse posted event")
				continue
			}
			if evt == nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *EventSource) reconnect(ctx context.Context) *model.WebSocketClient {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
		ws, err := s.dial()
		if err == nil {
			s.client.log.Info().Msg("WebSocket reconnected")
			return ws
		}
		s.client.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
	}
}

// parsePostedEvent extracts a post from a posted event. Returns (nil, nil)
// for posts that are not relayed: other channels, own posts, system messages.
func (s *EventSource) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.ChannelId != string(s.channel) {
		return nil, nil
	}
	if post.UserId == s.client.UserID() {
		return nil, nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}
	return &post, nil
}

func (s *EventSource) convertPosted(ctx context.Context, wsEvt *model.WebSocketEvent) (*platform.Event, error) {
	post, err := s.parsePostedEvent(wsEvt)
	if err != nil || post == nil {
		return nil, err
	}
	sender, err := s.sender(ctx, post.UserId)
	if err != nil {
		return nil, err
	}
	msg := &platform.Message{
		ID:      platform.MessageID(post.Id),
		Channel: platform.ChannelID(post.ChannelId),
		Text:    post.Message,
		ReplyTo: platform.MessageID(post.RootId),
	}
	if len(post.FileIds) > 0 {
		if len(post.FileIds) > 1 {
			s.client.log.Debug().
				Str("post_id", post.Id).
				Int("files", len(post.FileIds)).
				Msg("Post has several files, only the first one is relayed")
		}
		media, err := s.media(ctx, post.FileIds[0])
		if err != nil {
			return nil, err
		}
		msg.Media = media
	}
	return &platform.Event{Sender: sender, Message: msg}, nil
}

func (s *EventSource) sender(ctx context.Context, userID string) (*platform.User, error) {
	if cached, ok := s.users.Get(userID); ok {
		return cached.(*platform.User), nil
	}
	u, resp, err := s.client.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, classify("get_user", resp, err)
	}
	user := convertUser(u)
	s.users.SetDefault(userID, user)
	return user, nil
}

func (s *EventSource) media(ctx context.Context, fileID string) (*platform.Media, error) {
	info, resp, err := s.client.client.GetFileInfo(ctx, fileID)
	if err != nil {
		return nil, classify("get_file_info", resp, err)
	}
	return &platform.Media{
		Ref: fileID,
		Info: platform.MediaInfo{
			MimeType: info.MimeType,
			FileName: info.Name,
			Size:     info.Size,
			Width:    info.Width,
			Height:   info.Height,
		},
	}, nil
}
