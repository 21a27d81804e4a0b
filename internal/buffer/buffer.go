// Package buffer maintains rolling in-memory windows of recent chat
// messages, one circular buffer per conversation. Windows are bounded
// by count: once a conversation reaches capacity, each new message
// evicts the oldest. Nothing is persisted; a restart starts empty.
package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/qqbridge/qqbridge/internal/target"
)

// DefaultSize is the per-conversation window capacity used when the
// configured size is not positive.
const DefaultSize = 100

// CST is China Standard Time (UTC+8), the timezone used for
// human-readable message timestamps.
var CST = time.FixedZone("CST", 8*60*60)

// Message is a single buffered chat message, either observed from the
// gateway event stream or recorded after a send of our own.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsAtMe     bool // mentions our account (or @all) in a group
	IsSelf     bool // authored by our account
	ImageURLs  []string
}

// FormattedTime renders the message timestamp as ISO 8601 in CST, the
// form shown to tool callers and summaries.
func (m Message) FormattedTime() string {
	return m.Timestamp.In(CST).Format(time.RFC3339)
}

// ring is a fixed-capacity circular buffer for one conversation.
// seq counts total appends since creation and never decreases; the
// compressor uses it to tell which messages arrived while a summary
// was being produced.
type ring struct {
	mu      sync.RWMutex
	entries []Message
	head    int // next write position
	count   int // entries currently stored (≤ len(entries))
	seq     uint64
}

func newRing(size int) *ring {
	return &ring{entries: make([]Message, size)}
}

// put appends under r.mu held by the caller.
func (r *ring) put(msg Message) {
	r.entries[r.head] = msg
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.seq++
}

// newest copies the most recent n entries in chronological order,
// under r.mu held by the caller.
func (r *ring) newest(n int) []Message {
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}
	bufLen := len(r.entries)
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		idx := (r.head - n + i + bufLen) % bufLen
		out[i] = r.entries[idx]
	}
	return out
}

// Store holds one message window per conversation. It is safe for
// concurrent use: the outer lock guards only the target map, while each
// ring has its own lock, so traffic on one conversation never blocks
// reads of another.
type Store struct {
	mu    sync.RWMutex
	rings map[target.Target]*ring
	size  int
}

// Stats summarizes the store across all conversations.
type Stats struct {
	TotalMessages int
	Groups        int
	Friends       int
}

// New creates a store with the given per-conversation capacity.
// A non-positive size falls back to DefaultSize.
func New(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{
		rings: make(map[target.Target]*ring),
		size:  size,
	}
}

// Size returns the per-conversation window capacity.
func (s *Store) Size() int {
	return s.size
}

// getRing returns the ring for t, creating it on first use.
func (s *Store) getRing(t target.Target) *ring {
	s.mu.RLock()
	r, ok := s.rings[t]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rings[t]; ok {
		return r
	}
	r = newRing(s.size)
	s.rings[t] = r
	return r
}

// Append records a message at the newest position of t's window,
// evicting the oldest message once the window is full.
func (s *Store) Append(t target.Target, msg Message) {
	r := s.getRing(t)
	r.mu.Lock()
	r.put(msg)
	r.mu.Unlock()
}

// Recent returns up to limit of the newest messages for t in
// chronological order (oldest of the returned slice first). A
// conversation with no history yields an empty slice. A non-positive
// limit is a caller error.
func (s *Store) Recent(t target.Target, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.RLock()
	r, ok := s.rings[t]
	s.mu.RUnlock()
	if !ok {
		return []Message{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.newest(limit)
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// Count returns the number of messages currently buffered for t.
func (s *Store) Count(t target.Target) int {
	s.mu.RLock()
	r, ok := s.rings[t]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Since returns every buffered message for t with a timestamp after
// the given instant, in chronological order. Used to report what
// happened in a conversation while a send was in flight.
func (s *Store) Since(t target.Target, after time.Time) []Message {
	s.mu.RLock()
	r, ok := s.rings[t]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.newest(r.count)
	for i, m := range all {
		if m.Timestamp.After(after) {
			return all[i:]
		}
	}
	return nil
}

// Snapshot copies t's full window in chronological order and returns it
// with a sequence cursor. Pass the cursor to SwapSince so messages that
// arrive after the snapshot survive the swap.
func (s *Store) Snapshot(t target.Target) ([]Message, uint64) {
	s.mu.RLock()
	r, ok := s.rings[t]
	s.mu.RUnlock()
	if !ok {
		return nil, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.newest(r.count), r.seq
}

// SwapSince atomically replaces t's window with summary followed by
// every message appended after the snapshot identified by snapSeq.
// Either the full replacement is visible to readers or none of it is.
func (s *Store) SwapSince(t target.Target, summary Message, snapSeq uint64) {
	r := s.getRing(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	var arrived uint64
	if r.seq > snapSeq {
		arrived = r.seq - snapSeq
	}
	if arrived > uint64(r.count) {
		arrived = uint64(r.count)
	}
	tail := r.newest(int(arrived))

	r.head, r.count = 0, 0
	r.put(summary)
	for _, m := range tail {
		r.put(m)
	}
}

// Stats reports message and conversation counts across the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for t, r := range s.rings {
		r.mu.RLock()
		n := r.count
		r.mu.RUnlock()
		if n == 0 {
			continue
		}
		st.TotalMessages += n
		switch t.Kind {
		case target.KindGroup:
			st.Groups++
		case target.KindPrivate:
			st.Friends++
		}
	}
	return st
}
