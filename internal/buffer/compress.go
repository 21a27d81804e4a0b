package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qqbridge/qqbridge/internal/target"
)

// Identity of the synthetic message a compression leaves behind. QQ
// account IDs are numeric, so "system" can never collide with a real
// sender.
const (
	SummarySenderID   = "system"
	SummarySenderName = "summary"
)

// Summary is a summarizer's product: the condensed text plus the
// method that produced it ("llm", "rule-based"), reported back to tool
// callers.
type Summary struct {
	Text   string
	Method string
}

// Summarizer condenses a message window into a short text. Implemented
// outside this package; the compressor only cares that it either
// returns a summary or fails.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (Summary, error)
}

// Result describes the outcome of a compression request.
type Result struct {
	Compressed bool // false when there was nothing to compress
	Covered    int  // messages folded into the summary
	Summary    string
	Method     string
	CreatedAt  time.Time
}

// Compressor folds a conversation's window into a single summary
// message on demand. Compression never runs automatically; the tool
// surface invokes it explicitly.
type Compressor struct {
	store      *Store
	summarizer Summarizer
	logger     *slog.Logger
	nowFunc    func() time.Time
	idFunc     func() string
}

// NewCompressor creates a compressor over store using summarizer.
func NewCompressor(store *Store, summarizer Summarizer, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		store:      store,
		summarizer: summarizer,
		logger:     logger,
		nowFunc:    time.Now,
		idFunc:     uuid.NewString,
	}
}

// Compress snapshots the window for t, summarizes it, and atomically
// replaces the window with one synthetic message carrying the summary.
// No lock is held while the summarizer runs; messages that arrive in
// the meantime survive the swap, ordered after the summary.
//
// An empty window returns Result{Compressed: false} without error. A
// window already reduced to a single summary message is left alone so
// repeated compression never erodes previously summarized content. A
// summarizer failure leaves the window untouched.
func (c *Compressor) Compress(ctx context.Context, t target.Target) (Result, error) {
	msgs, cursor := c.store.Snapshot(t)
	if len(msgs) == 0 {
		return Result{}, nil
	}
	if len(msgs) == 1 && msgs[0].SenderID == SummarySenderID {
		return Result{Summary: msgs[0].Content}, nil
	}

	sum, err := c.summarizer.Summarize(ctx, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("summarize %s: %w", t, err)
	}

	// The synthetic message takes the timestamp of the last message it
	// covers, keeping buffer timestamps non-decreasing even when later
	// messages arrived during summarization.
	now := c.nowFunc()
	c.store.SwapSince(t, Message{
		ID:         c.idFunc(),
		SenderID:   SummarySenderID,
		SenderName: SummarySenderName,
		Content:    sum.Text,
		Timestamp:  msgs[len(msgs)-1].Timestamp,
	}, cursor)

	c.logger.Info("compressed context",
		"target", t.String(),
		"method", sum.Method,
		"messages", len(msgs),
		"summary_chars", len([]rune(sum.Text)),
	)

	return Result{
		Compressed: true,
		Covered:    len(msgs),
		Summary:    sum.Text,
		Method:     sum.Method,
		CreatedAt:  now,
	}, nil
}
