package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/onebot"
	"github.com/qqbridge/qqbridge/internal/target"
)

const testSelfQQ = "10000"

func groupEvent(groupID, userID int64, card, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"post_type": "message",
		"message_type": "group",
		"time": 1750000000,
		"self_id": 10000,
		"user_id": %d,
		"group_id": %d,
		"message_id": 555,
		"message": [{"type": "text", "data": {"text": %q}}],
		"sender": {"user_id": %d, "nickname": "nick", "card": %q}
	}`, userID, groupID, text, userID, card))
}

func TestHandleEventGroupMessage(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, nil), store, nil)

	in.HandleEvent(groupEvent(777, 20001, "card-name", "hello"))

	msgs, err := store.Recent(target.Group("777"), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("buffered %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != "555" {
		t.Errorf("ID = %q, want 555", m.ID)
	}
	if m.SenderID != "20001" {
		t.Errorf("SenderID = %q, want 20001", m.SenderID)
	}
	if m.SenderName != "card-name" {
		t.Errorf("SenderName = %q, want card-name", m.SenderName)
	}
	if m.Content != "hello" {
		t.Errorf("Content = %q, want hello", m.Content)
	}
	if m.IsSelf || m.IsAtMe {
		t.Errorf("IsSelf/IsAtMe = %v/%v, want false/false", m.IsSelf, m.IsAtMe)
	}
	if m.Timestamp.Unix() != 1750000000 {
		t.Errorf("Timestamp = %v, want unix 1750000000", m.Timestamp)
	}
}

func TestHandleEventGroupMention(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, nil), store, nil)

	in.HandleEvent([]byte(`{
		"post_type": "message",
		"message_type": "group",
		"time": 1750000000,
		"user_id": 20001,
		"group_id": 777,
		"message_id": 556,
		"message": [
			{"type": "at", "data": {"qq": "10000"}},
			{"type": "text", "data": {"text": " 在吗"}}
		],
		"sender": {"user_id": 20001, "nickname": "nick"}
	}`))

	msgs, _ := store.Recent(target.Group("777"), 10)
	if len(msgs) != 1 {
		t.Fatalf("buffered %d messages, want 1", len(msgs))
	}
	if !msgs[0].IsAtMe {
		t.Error("IsAtMe = false for a message mentioning the bot")
	}
	if msgs[0].Content != "@me 在吗" {
		t.Errorf("Content = %q, want %q", msgs[0].Content, "@me 在吗")
	}
}

func TestHandleEventSelfMessage(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, nil), store, nil)

	in.HandleEvent(groupEvent(777, 10000, "", "my own message"))

	msgs, _ := store.Recent(target.Group("777"), 10)
	if len(msgs) != 1 {
		t.Fatalf("buffered %d messages, want 1", len(msgs))
	}
	if !msgs[0].IsSelf {
		t.Error("IsSelf = false for the bot's own account")
	}
}

func TestHandleEventDisallowedGroup(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry([]string{"111"}, nil), store, nil)

	in.HandleEvent(groupEvent(777, 20001, "", "should vanish"))

	if n := store.Count(target.Group("777")); n != 0 {
		t.Errorf("disallowed group buffered %d messages, want 0", n)
	}
}

func TestHandleEventPrivateFromFriend(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, []string{"333"}), store, nil)

	in.HandleEvent([]byte(`{
		"post_type": "message",
		"message_type": "private",
		"time": 1750000001,
		"user_id": 333,
		"message_id": 557,
		"message": [
			{"type": "at", "data": {"qq": "10000"}},
			{"type": "text", "data": {"text": " 私聊"}}
		],
		"sender": {"user_id": 333, "nickname": "friend"}
	}`))

	msgs, _ := store.Recent(target.Private("333"), 10)
	if len(msgs) != 1 {
		t.Fatalf("buffered %d messages, want 1", len(msgs))
	}
	if msgs[0].SenderName != "friend" {
		t.Errorf("SenderName = %q, want friend", msgs[0].SenderName)
	}
	if msgs[0].IsAtMe {
		t.Error("IsAtMe = true in a direct chat; mention tracking is group-only")
	}
}

func TestHandleEventPrivateUnknownSender(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, nil), store, nil)

	in.HandleEvent([]byte(`{
		"post_type": "message",
		"message_type": "private",
		"time": 1750000001,
		"user_id": 444,
		"message_id": 558,
		"message": [{"type": "text", "data": {"text": "stranger"}}],
		"sender": {"user_id": 444, "nickname": "stranger"}
	}`))

	if n := store.Count(target.Private("444")); n != 0 {
		t.Errorf("unlisted friend buffered %d messages, want 0", n)
	}
}

func TestHandleEventIgnored(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, nil), store, nil)

	cases := map[string][]byte{
		"malformed json":     []byte(`{post_type: message`),
		"non-message event":  []byte(`{"post_type": "notice", "group_id": 777}`),
		"unknown chat type":  []byte(`{"post_type": "message", "message_type": "guild", "group_id": 777}`),
		"empty content":      []byte(`{"post_type": "message", "message_type": "group", "group_id": 777, "user_id": 1, "message": []}`),
		"whitespace content": []byte(`{"post_type": "message", "message_type": "group", "group_id": 777, "user_id": 1, "message": [{"type": "text", "data": {"text": "   "}}]}`),
	}
	for name, raw := range cases {
		in.HandleEvent(raw)
		if n := store.Count(target.Group("777")); n != 0 {
			t.Errorf("%s: buffered %d messages, want 0", name, n)
		}
	}
}

// fakeHistory scripts the gateway history API for backfill tests.
type fakeHistory struct {
	groups     []onebot.Group
	groupsErr  error
	groupHist  map[string][]onebot.Event
	friendHist map[string][]onebot.Event

	groupCalls  []string
	friendCalls []string
	counts      []int
}

func (f *fakeHistory) GetGroupList(ctx context.Context) ([]onebot.Group, error) {
	return f.groups, f.groupsErr
}

func (f *fakeHistory) GetGroupMsgHistory(ctx context.Context, groupID string, count int) ([]onebot.Event, error) {
	f.groupCalls = append(f.groupCalls, groupID)
	f.counts = append(f.counts, count)
	evs, ok := f.groupHist[groupID]
	if !ok {
		return nil, errors.New("history unavailable")
	}
	return evs, nil
}

func (f *fakeHistory) GetFriendMsgHistory(ctx context.Context, userID string, count int) ([]onebot.Event, error) {
	f.friendCalls = append(f.friendCalls, userID)
	evs, ok := f.friendHist[userID]
	if !ok {
		return nil, errors.New("history unavailable")
	}
	return evs, nil
}

func histEvent(id, userID int64, nickname, text string, ts int64) onebot.Event {
	raw, err := json.Marshal([]map[string]any{
		{"type": "text", "data": map[string]any{"text": text}},
	})
	if err != nil {
		panic(err)
	}
	return onebot.Event{
		Time:      ts,
		UserID:    userID,
		MessageID: id,
		Message:   raw,
		Sender:    onebot.Sender{UserID: userID, Nickname: nickname},
	}
}

func TestBackfill(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry([]string{"777"}, []string{"333"}), store, nil)

	hist := &fakeHistory{
		groups: []onebot.Group{{GroupID: 777}, {GroupID: 888}},
		groupHist: map[string][]onebot.Event{
			"777": {
				histEvent(1, 20001, "alice", "first", 1750000000),
				histEvent(2, 20002, "bob", "second", 1750000010),
			},
		},
		friendHist: map[string][]onebot.Event{
			"333": {histEvent(3, 333, "friend", "hi", 1750000020)},
		},
	}

	in.Backfill(context.Background(), hist)

	if len(hist.groupCalls) != 1 || hist.groupCalls[0] != "777" {
		t.Errorf("group history calls = %v, want only 777 (888 is not monitored)", hist.groupCalls)
	}
	for _, count := range hist.counts {
		if count != store.Size() {
			t.Errorf("history count arg = %d, want buffer capacity %d", count, store.Size())
		}
	}

	msgs, _ := store.Recent(target.Group("777"), 10)
	if len(msgs) != 2 {
		t.Fatalf("group backfill stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("backfill order = %q, %q", msgs[0].Content, msgs[1].Content)
	}

	if n := store.Count(target.Private("333")); n != 1 {
		t.Errorf("friend backfill stored %d messages, want 1", n)
	}
}

func TestBackfillGroupListError(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, []string{"333"}), store, nil)

	hist := &fakeHistory{
		groupsErr: errors.New("gateway not ready"),
		friendHist: map[string][]onebot.Event{
			"333": {histEvent(3, 333, "friend", "hi", 1750000020)},
		},
	}

	in.Backfill(context.Background(), hist)

	if len(hist.groupCalls) != 0 {
		t.Errorf("group history calls = %v, want none after list error", hist.groupCalls)
	}
	if n := store.Count(target.Private("333")); n != 1 {
		t.Errorf("friend backfill stored %d messages, want 1", n)
	}
}

func TestBackfillFriendHistoryError(t *testing.T) {
	t.Parallel()

	store := buffer.New(10)
	in := NewIngester(testSelfQQ, target.NewRegistry(nil, []string{"333", "555"}), store, nil)

	hist := &fakeHistory{
		friendHist: map[string][]onebot.Event{
			"333": {histEvent(3, 333, "friend", "hi", 1750000020)},
		},
	}

	in.Backfill(context.Background(), hist)

	total := store.Count(target.Private("333")) + store.Count(target.Private("555"))
	if total != 1 {
		t.Errorf("stored %d messages, want 1 (unavailable friend skipped)", total)
	}
}
