package onebot

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is a OneBot v11 push event as delivered over the gateway's
// WebSocket. Only message events carry all fields; history entries
// share the shape but omit post_type.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	MessageID   int64           `json:"message_id"`
	Message     json.RawMessage `json:"message"`
	Sender      Sender          `json:"sender"`
}

// Sender is the nested sender object on message events.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// SenderID returns the sender account as a string, falling back to the
// nested sender object when the top-level user_id is absent.
func (e *Event) SenderID() string {
	if e.UserID != 0 {
		return strconv.FormatInt(e.UserID, 10)
	}
	if e.Sender.UserID != 0 {
		return strconv.FormatInt(e.Sender.UserID, 10)
	}
	return ""
}

// DisplayName returns the best human name for the sender: the group
// card if set, then the nickname, then the bare account ID.
func (e *Event) DisplayName() string {
	if e.Sender.Card != "" {
		return e.Sender.Card
	}
	if e.Sender.Nickname != "" {
		return e.Sender.Nickname
	}
	return e.SenderID()
}

// MessageIDString returns the message ID in the string form stored on
// buffered messages.
func (e *Event) MessageIDString() string {
	return strconv.FormatInt(e.MessageID, 10)
}

// Timestamp converts the event's Unix time. A missing or nonsense time
// field falls back to the current time.
func (e *Event) Timestamp() time.Time {
	if e.Time <= 0 {
		return time.Now()
	}
	return time.Unix(e.Time, 0)
}

// Content is the flattened, human-readable form of a message payload.
type Content struct {
	Text      string
	IsAtMe    bool
	ImageURLs []string
}

// RenderMessage flattens a message payload into display text. The
// payload is either an array of typed segments or, on some gateways, a
// plain string. Non-text segments render as bracketed markers matching
// what QQ clients show; segment types we do not know are dropped.
// Mentions of selfQQ (or @all) set IsAtMe and render as "@me".
func RenderMessage(raw json.RawMessage, selfQQ string) Content {
	if len(raw) == 0 {
		return Content{}
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return Content{Text: strings.TrimSpace(plain)}
	}

	var segments []struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return Content{}
	}

	var c Content
	var b strings.Builder
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			b.WriteString(stringField(seg.Data, "text"))
		case "at":
			qq := stringField(seg.Data, "qq")
			if qq == selfQQ || qq == "all" {
				c.IsAtMe = true
				b.WriteString("@me")
			} else {
				name := stringField(seg.Data, "name")
				if name == "" {
					name = qq
				}
				b.WriteString("@" + name)
			}
		case "image":
			if url := stringField(seg.Data, "url"); url != "" {
				c.ImageURLs = append(c.ImageURLs, url)
			}
			b.WriteString("[图片]")
		case "face":
			id := stringField(seg.Data, "id")
			if id == "" {
				id = "?"
			}
			b.WriteString("[表情" + id + "]")
		case "reply":
			b.WriteString("[回复 " + stringField(seg.Data, "id") + "]")
		case "record":
			b.WriteString("[语音]")
		case "video":
			b.WriteString("[视频]")
		case "forward":
			b.WriteString("[转发消息]")
		case "json":
			b.WriteString("[卡片消息]")
		case "file":
			name := stringField(seg.Data, "name")
			if name == "" {
				name = "?"
			}
			b.WriteString("[文件: " + name + "]")
		}
	}

	c.Text = strings.TrimSpace(b.String())
	return c
}

// stringField reads a segment data value that gateways deliver as
// either a string or a bare number.
func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
