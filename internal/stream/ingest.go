package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/onebot"
	"github.com/qqbridge/qqbridge/internal/target"
)

// Ingester turns raw gateway events into buffered messages. It filters
// by event type and by the conversation allow-list; everything it keeps
// goes through the buffer's append path.
type Ingester struct {
	selfQQ   string
	registry *target.Registry
	store    *buffer.Store
	logger   *slog.Logger
}

// NewIngester creates an ingester writing to store. selfQQ is the bot's
// own account number, used for self-message and mention detection.
func NewIngester(selfQQ string, registry *target.Registry, store *buffer.Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		selfQQ:   selfQQ,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// HandleEvent processes one raw event frame from the stream. Malformed
// payloads are logged and dropped; they never stop the read loop.
func (in *Ingester) HandleEvent(raw []byte) {
	var ev onebot.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		in.logger.Warn("invalid event payload",
			"error", err,
			"payload", truncate(string(raw), 200),
		)
		return
	}

	if ev.PostType != "message" {
		return
	}

	switch ev.MessageType {
	case "group":
		in.handleGroup(ev)
	case "private":
		in.handlePrivate(ev)
	}
}

func (in *Ingester) handleGroup(ev onebot.Event) {
	t := target.Group(strconv.FormatInt(ev.GroupID, 10))
	if !in.registry.Allowed(t) {
		return
	}

	msg, ok := in.messageFromEvent(ev, target.KindGroup)
	if !ok {
		return
	}
	in.store.Append(t, msg)

	in.logger.Debug("group message",
		"group", t.ID,
		"sender", msg.SenderName,
		"content", truncate(msg.Content, 50),
		"at_me", msg.IsAtMe,
	)
}

func (in *Ingester) handlePrivate(ev onebot.Event) {
	t := target.Private(ev.SenderID())
	if !in.registry.Allowed(t) {
		return
	}

	msg, ok := in.messageFromEvent(ev, target.KindPrivate)
	if !ok {
		return
	}
	in.store.Append(t, msg)

	in.logger.Debug("private message",
		"friend", t.ID,
		"sender", msg.SenderName,
		"content", truncate(msg.Content, 50),
	)
}

// messageFromEvent renders an event into a buffered message. Events with
// no displayable content (for example a bare image with no caption) are
// skipped. Mention tracking applies only to group chats; a direct message
// is addressed to the agent by definition, so is_at_me stays false there.
func (in *Ingester) messageFromEvent(ev onebot.Event, kind target.Kind) (buffer.Message, bool) {
	content := onebot.RenderMessage(ev.Message, in.selfQQ)
	if content.Text == "" {
		return buffer.Message{}, false
	}

	senderID := ev.SenderID()
	msg := buffer.Message{
		ID:         ev.MessageIDString(),
		SenderID:   senderID,
		SenderName: ev.DisplayName(),
		Content:    content.Text,
		Timestamp:  ev.Timestamp(),
		IsSelf:     senderID == in.selfQQ,
		ImageURLs:  content.ImageURLs,
	}
	if kind == target.KindGroup {
		msg.IsAtMe = content.IsAtMe
	}
	return msg, true
}

// HistoryClient is the slice of the gateway API that startup backfill
// needs. The production implementation is *onebot.Client.
type HistoryClient interface {
	GetGroupList(ctx context.Context) ([]onebot.Group, error)
	GetGroupMsgHistory(ctx context.Context, groupID string, count int) ([]onebot.Event, error)
	GetFriendMsgHistory(ctx context.Context, userID string, count int) ([]onebot.Event, error)
}

// Backfill seeds the buffers with recent history for every monitored
// conversation, up to one buffer's worth each. Failures for individual
// conversations are logged and skipped; a cold buffer is acceptable,
// a failed startup is not.
func (in *Ingester) Backfill(ctx context.Context, client HistoryClient) {
	var total, conversations int

	groups, err := client.GetGroupList(ctx)
	if err != nil {
		in.logger.Warn("group list unavailable for backfill", "error", err)
	}
	for _, g := range groups {
		t := target.Group(g.ID())
		if !in.registry.Allowed(t) {
			continue
		}
		events, err := client.GetGroupMsgHistory(ctx, g.ID(), in.store.Size())
		if err != nil {
			in.logger.Warn("group history backfill failed", "group", g.ID(), "error", err)
			continue
		}
		n := in.appendHistory(t, events)
		in.logger.Info("backfilled group history", "group", g.ID(), "messages", n)
		total += n
		conversations++
	}

	for _, friendID := range in.registry.Friends() {
		t := target.Private(friendID)
		events, err := client.GetFriendMsgHistory(ctx, friendID, in.store.Size())
		if err != nil {
			in.logger.Warn("friend history backfill failed", "friend", friendID, "error", err)
			continue
		}
		n := in.appendHistory(t, events)
		in.logger.Info("backfilled friend history", "friend", friendID, "messages", n)
		total += n
		conversations++
	}

	in.logger.Info("history backfill complete",
		"messages", total,
		"conversations", conversations,
	)
}

func (in *Ingester) appendHistory(t target.Target, events []onebot.Event) int {
	n := 0
	for _, ev := range events {
		msg, ok := in.messageFromEvent(ev, t.Kind)
		if !ok {
			continue
		}
		in.store.Append(t, msg)
		n++
	}
	return n
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
