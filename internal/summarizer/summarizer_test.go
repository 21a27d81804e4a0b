package summarizer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qqbridge/qqbridge/internal/buffer"
)

var testBase = time.Date(2025, 7, 1, 12, 0, 0, 0, buffer.CST)

func chatMsg(sender, content string, offset time.Duration) buffer.Message {
	return buffer.Message{
		ID:         "msg-" + sender,
		SenderID:   "10086",
		SenderName: sender,
		Content:    content,
		Timestamp:  testBase.Add(offset),
	}
}

// fakeSamplingClient records the request it receives and answers with
// a canned result or error.
type fakeSamplingClient struct {
	req    *mcp.CreateMessageRequest
	result *mcp.CreateMessageResult
	err    error
}

func (f *fakeSamplingClient) RequestSampling(_ context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	f.req = &request
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func textResult(text string) *mcp.CreateMessageResult {
	res := &mcp.CreateMessageResult{Model: "client-model"}
	res.Role = mcp.RoleAssistant
	res.Content = mcp.TextContent{Type: "text", Text: text}
	return res
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSamplingPromptCarriesChatLog(t *testing.T) {
	client := &fakeSamplingClient{result: textResult("大家在聊早饭。")}
	s := NewSampling(client, discardLogger())

	msgs := []buffer.Message{
		chatMsg("张三", "早上好", 0),
		chatMsg("李四", "吃了吗", 30*time.Second),
	}
	sum, err := s.Summarize(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Text != "大家在聊早饭。" {
		t.Errorf("Text = %q", sum.Text)
	}
	if sum.Method != MethodLLM {
		t.Errorf("Method = %q, want %q", sum.Method, MethodLLM)
	}

	req := client.req
	if req == nil {
		t.Fatal("no sampling request issued")
	}
	if req.SystemPrompt != compressSystemPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, defaultMaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != mcp.RoleUser {
		t.Fatalf("request messages = %+v, want a single user message", req.Messages)
	}
	tc, ok := req.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("prompt content type = %T", req.Messages[0].Content)
	}
	wantLog := "[2025-07-01T12:00:00+08:00] 张三: 早上好\n[2025-07-01T12:00:30+08:00] 李四: 吃了吗"
	if !strings.HasSuffix(tc.Text, wantLog) {
		t.Errorf("prompt should end with the chat log, got:\n%s", tc.Text)
	}
	if !strings.Contains(tc.Text, "聊天记录：") {
		t.Errorf("prompt missing the chat log header:\n%s", tc.Text)
	}
}

func TestSamplingTrimsResponseText(t *testing.T) {
	client := &fakeSamplingClient{result: textResult("  摘要内容\n")}
	s := NewSampling(client, discardLogger())

	sum, err := s.Summarize(context.Background(), []buffer.Message{chatMsg("张三", "早上好", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Text != "摘要内容" {
		t.Errorf("Text = %q, want trimmed", sum.Text)
	}
}

func TestSamplingAcceptsPlainStringContent(t *testing.T) {
	res := &mcp.CreateMessageResult{}
	res.Content = " 纯文本摘要 "
	s := NewSampling(&fakeSamplingClient{result: res}, discardLogger())

	sum, err := s.Summarize(context.Background(), []buffer.Message{chatMsg("张三", "早上好", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Text != "纯文本摘要" {
		t.Errorf("Text = %q", sum.Text)
	}
}

func TestSamplingFailures(t *testing.T) {
	unexpected := &mcp.CreateMessageResult{}
	unexpected.Content = 42

	cases := []struct {
		name    string
		client  *fakeSamplingClient
		wantErr string
	}{
		{"request error", &fakeSamplingClient{err: errors.New("no active session")}, "request sampling"},
		{"blank summary", &fakeSamplingClient{result: textResult("   ")}, "empty summary"},
		{"unexpected content type", &fakeSamplingClient{result: unexpected}, "unexpected sampling content"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSampling(tc.client, discardLogger())
			_, err := s.Summarize(context.Background(), []buffer.Message{chatMsg("张三", "早上好", 0)})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestRuleBasedFormat(t *testing.T) {
	long := strings.Repeat("长", 81)
	msgs := []buffer.Message{
		chatMsg("张三", "早上好", 0),
		chatMsg("李四", long, time.Minute),
	}

	sum, err := (&RuleBased{}).Summarize(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2025-07-01T12:00:00+08:00 ~ 2025-07-01T12:01:00+08:00] " +
		"张三: 早上好 | 李四: " + strings.Repeat("长", 80) + "..."
	if sum.Text != want {
		t.Errorf("Text = %q\nwant   %q", sum.Text, want)
	}
	if sum.Method != MethodRuleBased {
		t.Errorf("Method = %q, want %q", sum.Method, MethodRuleBased)
	}
}

func TestRuleBasedKeepsShortContentIntact(t *testing.T) {
	// Exactly at the excerpt bound: no clipping.
	exact := strings.Repeat("字", 80)
	sum, err := (&RuleBased{}).Summarize(context.Background(), []buffer.Message{chatMsg("王五", exact, 0)})
	if err != nil {
		t.Fatal(err)
	}
	want := "[2025-07-01T12:00:00+08:00 ~ 2025-07-01T12:00:00+08:00] 王五: " + exact
	if sum.Text != want {
		t.Errorf("Text = %q, content should not be clipped at the bound", sum.Text)
	}
}

func TestRuleBasedEmptyWindow(t *testing.T) {
	if _, err := (&RuleBased{}).Summarize(context.Background(), nil); err == nil {
		t.Fatal("expected an error for an empty window")
	}
}

// stubSummarizer is a canned buffer.Summarizer for chain tests.
type stubSummarizer struct {
	sum   buffer.Summary
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(context.Context, []buffer.Message) (buffer.Summary, error) {
	s.calls++
	return s.sum, s.err
}

func TestChainPrefersPrimary(t *testing.T) {
	primary := &stubSummarizer{sum: buffer.Summary{Text: "模型摘要", Method: MethodLLM}}
	fallback := &stubSummarizer{sum: buffer.Summary{Text: "规则摘要", Method: MethodRuleBased}}
	c := NewChain(primary, fallback, discardLogger())

	sum, err := c.Summarize(context.Background(), []buffer.Message{chatMsg("张三", "早上好", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Method != MethodLLM || sum.Text != "模型摘要" {
		t.Errorf("got %+v, want the primary's summary", sum)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback ran %d times, want 0", fallback.calls)
	}
}

func TestChainFallsBackAndLogs(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	primary := &stubSummarizer{err: errors.New("client does not support sampling")}
	fallback := &stubSummarizer{sum: buffer.Summary{Text: "规则摘要", Method: MethodRuleBased}}
	c := NewChain(primary, fallback, logger)

	sum, err := c.Summarize(context.Background(), []buffer.Message{chatMsg("张三", "早上好", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Method != MethodRuleBased || sum.Text != "规则摘要" {
		t.Errorf("got %+v, want the fallback's summary", sum)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, fallback.calls)
	}
	if !strings.Contains(logBuf.String(), "llm compression failed") {
		t.Errorf("fallback should be logged, got: %s", logBuf.String())
	}
}

func TestChainDoesNotFallBackWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &stubSummarizer{err: errors.New("request sampling: context canceled")}
	fallback := &stubSummarizer{sum: buffer.Summary{Text: "规则摘要", Method: MethodRuleBased}}
	c := NewChain(primary, fallback, discardLogger())

	if _, err := c.Summarize(ctx, []buffer.Message{chatMsg("张三", "早上好", 0)}); err == nil {
		t.Fatal("expected the primary's error to surface")
	}
	if fallback.calls != 0 {
		t.Errorf("fallback ran %d times after cancellation, want 0", fallback.calls)
	}
}
