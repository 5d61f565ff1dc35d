// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func messageEvent(sender id.UserID, room id.RoomID, ts int64, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		ID:        "$evt",
		RoomID:    room,
		Sender:    sender,
		Timestamp: ts,
		Content:   event.Content{Parsed: content},
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()
	hs, client := setupHS(t)
	hs.Profiles["@alice:fake.server"] = map[string]string{"displayname": "Alice A"}
	src, err := NewEventSource(client, "!src:fake.server")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "hi",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$parent"}},
	}
	evt := src.convert(ctx, messageEvent("@alice:fake.server", "!src:fake.server", 2000, content), 1000)
	if evt == nil {
		t.Fatal("expected event")
	}
	if evt.Sender.FirstName != "Alice A" || evt.Sender.Username != "alice" {
		t.Errorf("unexpected sender %+v", evt.Sender)
	}
	if evt.Message.Text != "hi" || evt.Message.ReplyTo != "$parent" || evt.Message.Media != nil {
		t.Errorf("unexpected message %+v", evt.Message)
	}
}

func TestConvert_Skips(t *testing.T) {
	t.Parallel()
	_, client := setupHS(t)
	src, err := NewEventSource(client, "!src:fake.server")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	text := &event.MessageEventContent{MsgType: event.MsgText, Body: "x"}
	edit := &event.MessageEventContent{MsgType: event.MsgText, Body: "* x", RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$a"}}

	tests := map[string]*event.Event{
		"other room": messageEvent("@alice:fake.server", "!other:fake.server", 2000, text),
		"history":    messageEvent("@alice:fake.server", "!src:fake.server", 500, text),
		"own event":  messageEvent(client.UserID(), "!src:fake.server", 2000, text),
		"edit":       messageEvent("@alice:fake.server", "!src:fake.server", 2000, edit),
	}
	for name, evt := range tests {
		if got := src.convert(ctx, evt, 1000); got != nil {
			t.Errorf("%s: expected skip, got %+v", name, got)
		}
	}
}

func TestConvert_StickerAndMedia(t *testing.T) {
	t.Parallel()
	_, client := setupHS(t)
	src, err := NewEventSource(client, "!src:fake.server")
	if err != nil {
		t.Fatal(err)
	}
	sticker := messageEvent("@alice:fake.server", "!src:fake.server", 2000, &event.MessageEventContent{
		Body: "cat",
		URL:  "mxc://fake.server/cat",
		Info: &event.FileInfo{MimeType: "image/webp", Width: 256, Height: 256},
	})
	sticker.Type = event.EventSticker

	// Unknown profile falls back to the localpart.
	evt := src.convert(context.Background(), sticker, 1000)
	if evt == nil || evt.Message.Media == nil || !evt.Message.Media.Sticker {
		t.Fatalf("expected sticker media, got %+v", evt)
	}
	if evt.Sender.Username != "alice" || evt.Message.Media.Ref != "mxc://fake.server/cat" || evt.Message.Media.Info.Width != 256 {
		t.Errorf("unexpected event %+v / %+v", evt.Sender, evt.Message.Media)
	}

	image := messageEvent("@alice:fake.server", "!src:fake.server", 2000, &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     "look at this",
		FileName: "pic.png",
		URL:      "mxc://fake.server/pic",
		Info:     &event.FileInfo{MimeType: "image/png", Size: 10},
	})
	evt = src.convert(context.Background(), image, 1000)
	if evt.Message.Text != "look at this" || evt.Message.Media.Info.FileName != "pic.png" || evt.Message.Media.Sticker {
		t.Errorf("unexpected media message %+v / %+v", evt.Message, evt.Message.Media)
	}
}
