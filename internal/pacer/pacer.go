// Package pacer delivers outbound messages the way a person types:
// content is split into chunks, each chunk waits out the
// conversation's cooldown before it goes to the gateway, and every
// follow-up chunk is preceded by a typing pause sized to its length.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/connwatch"
	"github.com/qqbridge/qqbridge/internal/segment"
	"github.com/qqbridge/qqbridge/internal/target"
)

// Typing simulation. The pause before a follow-up chunk is its rune
// count times delayPerRune, jittered by ±typingJitter and clamped to
// [minTypingDelay, maxTypingDelay].
const (
	delayPerRune   = 80 * time.Millisecond
	minTypingDelay = 300 * time.Millisecond
	maxTypingDelay = 3 * time.Second
	typingJitter   = 0.3
)

// Sender is the gateway send primitive. Satisfied by *onebot.Client.
type Sender interface {
	SendText(ctx context.Context, t target.Target, text, replyTo string) (string, error)
}

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	// Float64 returns a pseudo-random float64 in the half-open interval [0.0, 1.0).
	Float64() float64
}

// defaultRand uses math/rand/v2's global source.
type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Deps holds the pacer's collaborators. A struct keeps New stable as
// the send path grows.
type Deps struct {
	Sender  Sender
	Limiter *Limiter
	Store   *buffer.Store

	// SelfQQ is our own account ID, stamped on recorded self messages.
	SelfQQ string

	// MaxChars caps chunk length when no exact count is requested.
	// Zero uses segment.DefaultMaxChars.
	MaxChars int

	Logger     *slog.Logger
	RandSource RandSource // nil uses math/rand/v2's default
}

// Pacer turns one outbound message into a timed sequence of chunk
// sends. Sent chunks are recorded in the message buffer as
// self-authored messages, so context reads see our side of the
// conversation without waiting for the event stream to echo it back.
type Pacer struct {
	deps Deps

	nowFunc func() time.Time // injectable for testing; defaults to time.Now
	sleep   func(ctx context.Context, d time.Duration) bool
}

// New creates a Pacer around the given collaborators. Limiter and
// Store must be non-nil for Send to be usable.
func New(deps Deps) *Pacer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RandSource == nil {
		deps.RandSource = defaultRand{}
	}
	if deps.MaxChars <= 0 {
		deps.MaxChars = segment.DefaultMaxChars
	}
	return &Pacer{
		deps:    deps,
		nowFunc: time.Now,
		sleep:   connwatch.Sleep,
	}
}

// Options adjust a single Send.
type Options struct {
	// ExactCount forces the content into exactly this many chunks when
	// positive; fewer if the text has fewer natural pieces.
	ExactCount int

	// ReplyTo quotes the given message ID on the first chunk only.
	ReplyTo string

	// NoSplit sends the whole content as a single chunk.
	NoSplit bool
}

// Result reports what a Send delivered. On error it still carries the
// IDs of the chunks that went out before the failure.
type Result struct {
	// MessageIDs are the gateway message IDs, one per sent chunk, in
	// send order.
	MessageIDs []string

	// Chunks is how many chunks the content was split into.
	Chunks int
}

// Send splits content and delivers the chunks to t in order. Each
// chunk blocks until the rate limiter admits the conversation, goes
// out with opts.ReplyTo attached to the first chunk only, and is
// appended to the message buffer as a self message. Before every
// follow-up chunk the pacer sleeps a typing pause sized to that chunk.
//
// A gateway failure aborts the remaining chunks. The returned Result
// still lists what was sent, and those messages stay in the buffer.
func (p *Pacer) Send(ctx context.Context, t target.Target, content string, opts Options) (Result, error) {
	chunks := p.split(content, opts)
	if len(chunks) == 0 {
		return Result{}, errors.New("empty message content")
	}

	res := Result{Chunks: len(chunks)}
	for i, chunk := range chunks {
		if err := p.waitTurn(ctx, t); err != nil {
			return res, err
		}

		replyTo := ""
		if i == 0 {
			replyTo = opts.ReplyTo
		}
		id, err := p.deps.Sender.SendText(ctx, t, chunk, replyTo)
		if err != nil {
			return res, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
		res.MessageIDs = append(res.MessageIDs, id)

		p.deps.Store.Append(t, buffer.Message{
			ID:         id,
			SenderID:   p.deps.SelfQQ,
			SenderName: "bot",
			Content:    chunk,
			Timestamp:  p.nowFunc(),
			IsSelf:     true,
		})
		p.deps.Logger.Debug("chunk sent",
			"target", t,
			"seq", i+1,
			"total", len(chunks),
			"message_id", id,
		)

		if i < len(chunks)-1 {
			if !p.sleep(ctx, p.typingDelay(chunks[i+1])) {
				return res, ctx.Err()
			}
		}
	}
	return res, nil
}

// split produces the chunk sequence for content. Trailing full stops
// are stripped from each chunk for a natural chat register; chunks
// emptied by the strip are dropped.
func (p *Pacer) split(content string, opts Options) []string {
	var raw []string
	switch {
	case opts.NoSplit:
		raw = []string{strings.TrimSpace(content)}
	case opts.ExactCount > 0:
		raw = segment.Split(content, segment.Options{ExactCount: opts.ExactCount})
	default:
		raw = segment.Split(content, segment.Options{MaxChars: p.deps.MaxChars})
	}

	chunks := make([]string, 0, len(raw))
	for _, c := range raw {
		if c = strings.TrimRight(c, "。."); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// waitTurn blocks until the limiter admits a send to t, sleeping out
// the advertised remaining cooldown between attempts. Returns the
// context error if cancelled while waiting.
func (p *Pacer) waitTurn(ctx context.Context, t target.Target) error {
	for !p.deps.Limiter.Allow(t) {
		wait := p.deps.Limiter.Remaining(t)
		if wait <= 0 {
			// A concurrent send's cooldown lapsed between the two calls.
			wait = time.Millisecond
		}
		if !p.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return nil
}

// typingDelay sizes the pause before sending chunk, simulating the
// time a person would take to type it.
func (p *Pacer) typingDelay(chunk string) time.Duration {
	base := time.Duration(utf8.RuneCountInString(chunk)) * delayPerRune
	factor := 1.0 + typingJitter*(2*p.deps.RandSource.Float64()-1)
	return clampDelay(time.Duration(float64(base) * factor))
}

// clampDelay restricts d to the [minTypingDelay, maxTypingDelay] range.
func clampDelay(d time.Duration) time.Duration {
	if d < minTypingDelay {
		d = minTypingDelay
	}
	if d > maxTypingDelay {
		d = maxTypingDelay
	}
	return d
}
