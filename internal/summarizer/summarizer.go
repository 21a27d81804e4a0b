// Package summarizer condenses buffered chat windows into short
// Chinese summaries. The preferred path borrows the connected MCP
// client's model through sampling; a rule-based fallback keeps
// compression available when the client offers no sampling support.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qqbridge/qqbridge/internal/buffer"
)

// Method tags carried on summaries so tool responses can report how a
// window was compressed.
const (
	MethodLLM       = "llm"
	MethodRuleBased = "rule-based"
)

// compressTemplate is the prompt sent through MCP sampling to condense
// a chat window. The single format verb is the formatted chat log.
const compressTemplate = `请将以下聊天记录压缩为一段简洁的中文摘要，保留关键信息（话题、观点、重要发言者）。摘要应在 300 字以内，不要使用列表格式，用自然段落描述。

聊天记录：
%s`

// compressSystemPrompt pins the sampled model to bare summary output.
const compressSystemPrompt = "你是一个聊天记录摘要助手。只输出摘要内容，不要添加任何前缀或解释。"

// defaultMaxTokens bounds the sampled completion. Summaries are asked
// to stay under 300 characters, so this is generous headroom.
const defaultMaxTokens = 8192

// SamplingClient issues MCP sampling requests against the connected
// client. Satisfied by *server.MCPServer once sampling is enabled; the
// request resolves its session from ctx, so tool handlers pass their
// own context through.
type SamplingClient interface {
	RequestSampling(ctx context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// Sampling summarizes through the client's model.
type Sampling struct {
	client    SamplingClient
	maxTokens int
	logger    *slog.Logger
}

// NewSampling creates a sampling-backed summarizer. A nil logger falls
// back to slog.Default.
func NewSampling(client SamplingClient, logger *slog.Logger) *Sampling {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampling{client: client, maxTokens: defaultMaxTokens, logger: logger}
}

// Summarize asks the connected client's model for a summary of the
// window.
func (s *Sampling) Summarize(ctx context.Context, messages []buffer.Message) (buffer.Summary, error) {
	req := mcp.CreateMessageRequest{
		CreateMessageParams: mcp.CreateMessageParams{
			Messages: []mcp.SamplingMessage{{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(compressTemplate, buildChatLog(messages)),
				},
			}},
			SystemPrompt: compressSystemPrompt,
			MaxTokens:    s.maxTokens,
		},
	}

	result, err := s.client.RequestSampling(ctx, req)
	if err != nil {
		return buffer.Summary{}, fmt.Errorf("request sampling: %w", err)
	}

	text, err := resultText(result)
	if err != nil {
		return buffer.Summary{}, err
	}
	if text == "" {
		return buffer.Summary{}, errors.New("sampling returned an empty summary")
	}

	s.logger.Debug("sampling summary received",
		"model", result.Model,
		"summary_chars", len([]rune(text)),
	)
	return buffer.Summary{Text: text, Method: MethodLLM}, nil
}

// resultText pulls the text out of a sampling result. Clients answer
// with a single content block; anything else is rejected so callers
// can fall back.
func resultText(result *mcp.CreateMessageResult) (string, error) {
	switch c := result.Content.(type) {
	case mcp.TextContent:
		return strings.TrimSpace(c.Text), nil
	case *mcp.TextContent:
		return strings.TrimSpace(c.Text), nil
	case string:
		return strings.TrimSpace(c), nil
	default:
		return "", fmt.Errorf("unexpected sampling content type %T", result.Content)
	}
}

// maxExcerptRunes bounds each message's contribution to a rule-based
// summary.
const maxExcerptRunes = 80

// RuleBased builds an extractive summary without a model: one clipped
// line per message, bracketed by the window's time range. Crude, but
// never unavailable.
type RuleBased struct{}

// Summarize concatenates clipped message lines into a single summary
// string.
func (s *RuleBased) Summarize(_ context.Context, messages []buffer.Message) (buffer.Summary, error) {
	if len(messages) == 0 {
		return buffer.Summary{}, errors.New("no messages to summarize")
	}

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if runes := []rune(content); len(runes) > maxExcerptRunes {
			content = string(runes[:maxExcerptRunes]) + "..."
		}
		lines = append(lines, m.SenderName+": "+content)
	}

	text := fmt.Sprintf("[%s ~ %s] %s",
		messages[0].FormattedTime(),
		messages[len(messages)-1].FormattedTime(),
		strings.Join(lines, " | "),
	)
	return buffer.Summary{Text: text, Method: MethodRuleBased}, nil
}

// Chain tries the primary summarizer and falls back to the secondary
// when it fails. Cancellation is not a reason to fall back.
type Chain struct {
	primary  buffer.Summarizer
	fallback buffer.Summarizer
	logger   *slog.Logger
}

// NewChain creates a summarizer that prefers primary and degrades to
// fallback. A nil logger falls back to slog.Default.
func NewChain(primary, fallback buffer.Summarizer, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{primary: primary, fallback: fallback, logger: logger}
}

// Summarize runs the primary summarizer, then the fallback on failure.
func (c *Chain) Summarize(ctx context.Context, messages []buffer.Message) (buffer.Summary, error) {
	sum, err := c.primary.Summarize(ctx, messages)
	if err == nil {
		return sum, nil
	}
	if ctx.Err() != nil {
		return buffer.Summary{}, err
	}

	c.logger.Warn("llm compression failed, using rule-based", "error", err)
	return c.fallback.Summarize(ctx, messages)
}

// buildChatLog renders messages one per line for the sampling prompt.
func buildChatLog(messages []buffer.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s: %s", m.FormattedTime(), m.SenderName, m.Content)
	}
	return sb.String()
}
