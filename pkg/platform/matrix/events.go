// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/channel-cloner/pkg/platform"
)

const (
	resyncDelay      = 5 * time.Second
	profileCacheSize = 1024
)

// EventSource streams m.room.message and m.sticker events from one room via
// /sync. Events older than the moment Listen was called are ignored so the
// initial sync does not replay history.
type EventSource struct {
	client   *Client
	room     id.RoomID
	profiles *lru.Cache[id.UserID, *platform.User]
}

var _ platform.EventSource = (*EventSource)(nil)

func NewEventSource(client *Client, room platform.ChannelID) (*EventSource, error) {
	profiles, err := lru.New[id.UserID, *platform.User](profileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}
	return &EventSource{client: client, room: id.RoomID(room), profiles: profiles}, nil
}

func (s *EventSource) Listen(ctx context.Context) (<-chan *platform.Event, error) {
	syncer, ok := s.client.cli.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, fmt.Errorf("client syncer does not support event handlers")
	}
	out := make(chan *platform.Event)
	since := time.Now().UnixMilli()
	handler := func(ctx context.Context, evt *event.Event) {
		converted := s.convert(ctx, evt, since)
		if converted == nil {
			return
		}
		select {
		case out <- converted:
		case <-ctx.Done():
		}
	}
	syncer.OnEventType(event.EventMessage, handler)
	syncer.OnEventType(event.EventSticker, handler)

	go func() {
		defer close(out)
		for {
			err := s.client.cli.SyncWithContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.client.log.Error().Err(err).Msg("Sync failed, retrying")
				if errors.Is(classify("sync", err), platform.ErrIdentityRejected) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(resyncDelay):
			}
		}
	}()
	return out, nil
}

// convert returns nil for events that are not relayed: other rooms, history,
// the account's own messages, edits.
func (s *EventSource) convert(ctx context.Context, evt *event.Event, since int64) *platform.Event {
	if evt.RoomID != s.room || evt.Timestamp < since || evt.Sender == s.client.UserID() {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil
	}
	sender, err := s.sender(ctx, evt.Sender)
	if err != nil {
		s.client.log.Warn().Err(err).Stringer("sender", evt.Sender).Msg("Failed to fetch sender profile")
		sender = &platform.User{ID: platform.UserID(evt.Sender), Username: evt.Sender.Localpart()}
	}
	msg := &platform.Message{
		ID:      platform.MessageID(evt.ID),
		Channel: platform.ChannelID(evt.RoomID),
		ReplyTo: platform.MessageID(content.RelatesTo.GetReplyTo()),
	}
	isSticker := evt.Type == event.EventSticker
	switch {
	case isSticker || content.MsgType == event.MsgImage || content.MsgType == event.MsgVideo ||
		content.MsgType == event.MsgAudio || content.MsgType == event.MsgFile:
		msg.Media = convertMedia(content, isSticker)
		if content.FileName != "" && content.FileName != content.Body {
			msg.Text = contentToMarkdown(content)
		}
	default:
		msg.Text = contentToMarkdown(content)
	}
	return &platform.Event{Sender: sender, Message: msg}
}

func convertMedia(content *event.MessageEventContent, sticker bool) *platform.Media {
	media := &platform.Media{Ref: string(content.URL), Sticker: sticker}
	media.Info.FileName = content.FileName
	if media.Info.FileName == "" {
		media.Info.FileName = content.Body
	}
	if info := content.Info; info != nil {
		media.Info.MimeType = info.MimeType
		media.Info.Size = int64(info.Size)
		media.Info.Width = info.Width
		media.Info.Height = info.Height
		media.Info.DurationMS = info.Duration
	}
	return media
}

// sender resolves a user's display name. Matrix has a single display name,
// so it all goes into FirstName.
func (s *EventSource) sender(ctx context.Context, userID id.UserID) (*platform.User, error) {
	if cached, ok := s.profiles.Get(userID); ok {
		return cached, nil
	}
	profile, err := s.client.cli.GetProfile(ctx, userID)
	if err != nil {
		return nil, classify("get_profile", err)
	}
	user := &platform.User{
		ID:        platform.UserID(userID),
		Username:  userID.Localpart(),
		FirstName: profile.DisplayName,
	}
	s.profiles.Add(userID, user)
	return user, nil
}
