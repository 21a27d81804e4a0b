package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/pacer"
	"github.com/qqbridge/qqbridge/internal/segment"
	"github.com/qqbridge/qqbridge/internal/target"
)

// postSendSettle is how long send_message waits after the last chunk
// for the event stream to deliver reactions before snapshotting.
const postSendSettle = 500 * time.Millisecond

func (t *Tools) registerSendTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a text message to a monitored group or whitelisted friend. Markdown is flattened to plain chat text, long content is split into short chunks delivered with human-like typing pauses, and the result includes any messages that arrived while sending."),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Group ID or friend QQ ID."),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Text message content. Markdown formatting is stripped before sending."),
		),
		mcp.WithString("target_type",
			mcp.Description("\"group\" (default) or \"private\"."),
			mcp.Enum("group", "private"),
			mcp.DefaultString("group"),
		),
		mcp.WithString("reply_to",
			mcp.Description("Optional message ID to reply to. Only the first chunk quotes it."),
		),
		mcp.WithBoolean("split_content",
			mcp.Description("Split long messages into multiple chunks with typing delay (default: true). Set to false to send as a single message."),
			mcp.DefaultBool(true),
		),
		mcp.WithNumber("exact_count",
			mcp.Description("Force the content into exactly this many chunks. Overrides the length-based split."),
		),
	), t.handleSendMessage)
}

type sendReport struct {
	Success        bool     `json:"success"`
	MessageIDs     []string `json:"message_ids"`
	Chunks         int      `json:"chunks"`
	Target         string   `json:"target"`
	TargetType     string   `json:"target_type"`
	Timestamp      string   `json:"timestamp"`
	RecentMessages []string `json:"recent_messages"`
}

func (t *Tools) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := request.GetString("target_type", string(target.KindGroup))
	replyTo := request.GetString("reply_to", "")
	split := request.GetBool("split_content", true)
	exact := request.GetInt("exact_count", 0)

	tgt, err := t.resolveTarget(id, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Baseline for the incremental snapshot: everything after this
	// instant, our own chunks included, lands in recent_messages.
	started := t.nowFunc()

	res, err := t.deps.Sender.Send(ctx, tgt, segment.Flatten(content), pacer.Options{
		ExactCount: exact,
		ReplyTo:    replyTo,
		NoSplit:    !split,
	})
	if err != nil {
		if len(res.MessageIDs) > 0 {
			return mcp.NewToolResultError(fmt.Sprintf("Partial send (%d/%d chunks): %v",
				len(res.MessageIDs), res.Chunks, err)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Give the event stream a beat to deliver reactions to the send.
	t.sleep(ctx, postSendSettle)

	recent := make([]string, 0)
	for _, m := range t.deps.Store.Since(tgt, started) {
		if m.IsSelf {
			recent = append(recent, "[bot(self)] "+m.Content)
		} else {
			recent = append(recent, "["+m.SenderName+"] "+m.Content)
		}
	}

	return jsonResult(sendReport{
		Success:        true,
		MessageIDs:     res.MessageIDs,
		Chunks:         res.Chunks,
		Target:         id,
		TargetType:     kind,
		Timestamp:      t.nowFunc().In(buffer.CST).Format(time.RFC3339),
		RecentMessages: recent,
	})
}
