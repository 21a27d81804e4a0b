package buffer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/qqbridge/qqbridge/internal/target"
)

// stubSummarizer lets tests control the summarization outcome and
// observe or interleave with the call.
type stubSummarizer struct {
	fn func(ctx context.Context, messages []Message) (Summary, error)
}

func (s *stubSummarizer) Summarize(ctx context.Context, messages []Message) (Summary, error) {
	return s.fn(ctx, messages)
}

func newTestCompressor(store *Store, sum Summarizer) *Compressor {
	c := NewCompressor(store, sum, nil)
	c.nowFunc = func() time.Time { return testBase.Add(time.Hour) }
	n := 0
	c.idFunc = func() string {
		n++
		return "synthetic-" + string(rune('a'+n-1))
	}
	return c
}

func TestCompressEmptyBuffer(t *testing.T) {
	s := New(10)
	c := newTestCompressor(s, &stubSummarizer{fn: func(context.Context, []Message) (Summary, error) {
		t.Error("summarizer should not run on an empty buffer")
		return Summary{}, nil
	}})

	res, err := c.Compress(context.Background(), target.Group("100"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Compressed {
		t.Error("empty buffer must report nothing to compress")
	}
	if res.Covered != 0 {
		t.Errorf("Covered = %d, want 0", res.Covered)
	}
}

func TestCompressReplacesWindow(t *testing.T) {
	s := New(10)
	tgt := target.Private("200")
	s.Append(tgt, msgAt("a", 0))
	s.Append(tgt, msgAt("b", time.Second))
	s.Append(tgt, msgAt("c", 2*time.Second))

	var sawMessages int
	c := newTestCompressor(s, &stubSummarizer{fn: func(_ context.Context, msgs []Message) (Summary, error) {
		sawMessages = len(msgs)
		return Summary{Text: "three messages about nothing", Method: "stub"}, nil
	}})

	res, err := c.Compress(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Compressed {
		t.Fatal("expected a compression to happen")
	}
	if res.Covered != 3 || sawMessages != 3 {
		t.Errorf("Covered = %d (summarizer saw %d), want 3", res.Covered, sawMessages)
	}
	if res.Summary != "three messages about nothing" {
		t.Errorf("Summary = %q", res.Summary)
	}
	if res.Method != "stub" {
		t.Errorf("Method = %q, want the summarizer's method", res.Method)
	}

	got, err := s.Recent(tgt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("window holds %d messages after compression, want 1", len(got))
	}
	m := got[0]
	if m.Content != "three messages about nothing" {
		t.Errorf("synthetic content = %q", m.Content)
	}
	if m.SenderID != SummarySenderID || m.SenderName != SummarySenderName {
		t.Errorf("synthetic sender = %s/%s", m.SenderID, m.SenderName)
	}
	if m.IsSelf || m.IsAtMe {
		t.Error("synthetic message must not be self-authored or @me")
	}
	// Takes the timestamp of the last covered message.
	if !m.Timestamp.Equal(testBase.Add(2 * time.Second)) {
		t.Errorf("synthetic timestamp = %v, want last covered message's", m.Timestamp)
	}
}

func TestCompressFailureLeavesWindowUntouched(t *testing.T) {
	s := New(10)
	tgt := target.Group("100")
	s.Append(tgt, msgAt("a", 0))
	s.Append(tgt, msgAt("b", time.Second))

	c := newTestCompressor(s, &stubSummarizer{fn: func(context.Context, []Message) (Summary, error) {
		return Summary{}, errors.New("model unavailable")
	}})

	if _, err := c.Compress(context.Background(), tgt); err == nil {
		t.Fatal("expected error from failed summarization")
	} else if !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("error should wrap the summarizer failure, got %v", err)
	}

	got, err := s.Recent(tgt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("window modified despite failure: %v", got)
	}
}

func TestCompressAlreadyCompressedNoOps(t *testing.T) {
	s := New(10)
	tgt := target.Group("100")
	s.Append(tgt, msgAt("a", 0))

	c := newTestCompressor(s, &stubSummarizer{fn: func(context.Context, []Message) (Summary, error) {
		return Summary{Text: "the only message", Method: "stub"}, nil
	}})

	if _, err := c.Compress(context.Background(), tgt); err != nil {
		t.Fatal(err)
	}

	// Second compression sees only the synthetic message and must not
	// re-summarize it away.
	res, err := c.Compress(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Compressed {
		t.Error("second compression should be a no-op")
	}
	if res.Summary != "the only message" {
		t.Errorf("no-op should echo the existing summary, got %q", res.Summary)
	}
	if res.Method != "" {
		t.Errorf("no-op Method = %q, want empty", res.Method)
	}

	got, err := s.Recent(tgt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "the only message" {
		t.Errorf("summary content lost: %v", got)
	}
}

func TestCompressPreservesMessagesArrivingDuringSummarization(t *testing.T) {
	s := New(10)
	tgt := target.Group("100")
	s.Append(tgt, msgAt("a", 0))
	s.Append(tgt, msgAt("b", time.Second))

	// The summarizer appends a new message mid-flight, as the listener
	// goroutine would.
	c := newTestCompressor(s, &stubSummarizer{fn: func(context.Context, []Message) (Summary, error) {
		s.Append(tgt, msgAt("late", 5*time.Second))
		return Summary{Text: "a and b summarized", Method: "stub"}, nil
	}})

	res, err := c.Compress(context.Background(), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if res.Covered != 2 {
		t.Errorf("Covered = %d, want 2 (late arrival not covered)", res.Covered)
	}

	got, err := s.Recent(tgt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("window holds %d messages, want summary plus late arrival", len(got))
	}
	if got[0].Content != "a and b summarized" {
		t.Errorf("first message = %q, want the summary", got[0].Content)
	}
	if got[1].ID != "late" {
		t.Errorf("second message = %q, want the late arrival", got[1].ID)
	}
}
