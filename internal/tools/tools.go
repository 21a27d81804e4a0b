// Package tools exposes the bridge to MCP clients: gateway status and
// roster lookups, buffered context retrieval, paced outbound sends, and
// on-demand context compression. Each tool handler validates its target
// against the allow lists before touching the gateway or the buffer.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/connwatch"
	"github.com/qqbridge/qqbridge/internal/onebot"
	"github.com/qqbridge/qqbridge/internal/pacer"
	"github.com/qqbridge/qqbridge/internal/target"
)

// Gateway is the slice of the OneBot client the tools consult.
// Satisfied by *onebot.Client.
type Gateway interface {
	GetLoginInfo(ctx context.Context) (*onebot.LoginInfo, error)
	GetStatus(ctx context.Context) (*onebot.Status, error)
	GetGroupList(ctx context.Context) ([]onebot.Group, error)
	GetGroupInfo(ctx context.Context, groupID string) (*onebot.Group, error)
	GetFriendList(ctx context.Context) ([]onebot.Friend, error)
}

// Sender delivers outbound messages. Satisfied by *pacer.Pacer.
type Sender interface {
	Send(ctx context.Context, t target.Target, content string, opts pacer.Options) (pacer.Result, error)
}

// Compressor condenses a target's buffered window. Satisfied by
// *buffer.Compressor.
type Compressor interface {
	Compress(ctx context.Context, t target.Target) (buffer.Result, error)
}

// ConnStatus reports the event-stream connection. Satisfied by
// *connwatch.Watcher.
type ConnStatus interface {
	Status() connwatch.ServiceStatus
}

// Deps holds the tool handlers' collaborators. A struct keeps New
// stable as the tool surface grows.
type Deps struct {
	Registry   *target.Registry
	Store      *buffer.Store
	Gateway    Gateway
	Sender     Sender
	Compressor Compressor
	Conn       ConnStatus

	// SelfQQ is our own account ID, echoed in status reports.
	SelfQQ string

	Logger *slog.Logger
}

// Tools carries the handler state behind the MCP tool surface. Uptime
// is measured from construction.
type Tools struct {
	deps Deps

	startTime time.Time
	nowFunc   func() time.Time // injectable for testing; defaults to time.Now
	sleep     func(ctx context.Context, d time.Duration) bool
}

// New creates the tool set around the given collaborators. Registry,
// Store, and Gateway must be non-nil for any handler to be usable.
func New(deps Deps) *Tools {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Tools{
		deps:      deps,
		startTime: time.Now(),
		nowFunc:   time.Now,
		sleep:     connwatch.Sleep,
	}
}

// Register adds every tool to the MCP server.
func (t *Tools) Register(s *server.MCPServer) {
	t.registerStatusTools(s)
	t.registerContextTools(s)
	t.registerSendTools(s)
	t.registerCompressTools(s)
}

// resolveTarget parses the kind and checks the allow lists. The error
// strings are the tool results the agent reads, so they name the
// rejected ID directly.
func (t *Tools) resolveTarget(id, kind string) (target.Target, error) {
	tgt, err := target.New(kind, id)
	if err != nil {
		return target.Target{}, fmt.Errorf("Invalid target_type: %s", kind)
	}
	if !t.deps.Registry.Allowed(tgt) {
		if tgt.Kind == target.KindGroup {
			return target.Target{}, fmt.Errorf("Group %s is not monitored", id)
		}
		return target.Target{}, fmt.Errorf("User %s is not in friends whitelist", id)
	}
	return tgt, nil
}

// jsonResult marshals v as the tool's text payload.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// groupEntry is a group roster row in tool responses.
type groupEntry struct {
	GroupID     string `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

// friendEntry is a whitelisted friend row in tool responses.
type friendEntry struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// wireMessage is buffer.Message in response form, timestamps rendered
// in CST.
type wireMessage struct {
	SenderID   string   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	Content    string   `json:"content"`
	Timestamp  string   `json:"timestamp"`
	MessageID  string   `json:"message_id"`
	IsAtMe     bool     `json:"is_at_me"`
	IsSelf     bool     `json:"is_self"`
	ImageURLs  []string `json:"image_urls,omitempty"`
}

func wireMessages(msgs []buffer.Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Content:    m.Content,
			Timestamp:  m.FormattedTime(),
			MessageID:  m.ID,
			IsAtMe:     m.IsAtMe,
			IsSelf:     m.IsSelf,
			ImageURLs:  m.ImageURLs,
		}
	}
	return out
}

// contextReport is the per-target payload of the context tools. Only
// the name field matching the target kind is populated; it stays
// present (possibly empty) so the agent can rely on the key.
type contextReport struct {
	Target       string        `json:"target"`
	TargetType   string        `json:"target_type"`
	MessageCount int           `json:"message_count"`
	Messages     []wireMessage `json:"messages"`
	GroupName    *string       `json:"group_name,omitempty"`
	FriendName   *string       `json:"friend_name,omitempty"`
}
