// Package segment splits outbound text into chunks along natural
// breakpoints so a long reply goes out as several short messages, the
// way a person types. Splitting is deterministic: identical input and
// options always produce identical chunks.
package segment

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk length cap used when the caller asks for
// automatic splitting without an explicit option.
const DefaultMaxChars = 30

// Options control how text is divided.
type Options struct {
	// MaxChars caps chunk length in runes. Paragraphs at or under the
	// cap stay whole; longer ones are regrouped at sentence boundaries,
	// falling back to clause boundaries for a single overlong sentence.
	// Ignored when ExactCount is set.
	MaxChars int

	// ExactCount requests exactly this many chunks, merging adjacent
	// fine-grained pieces in original order, greedily from the start.
	// When the text has fewer natural pieces than requested, all pieces
	// are returned unmerged rather than padded.
	ExactCount int
}

// placeholder temporarily masks the dot of a file extension so the
// sentence splitter leaves names like report.md intact.
const placeholder = "\x00"

var (
	extRe    = regexp.MustCompile(`(?i)\.(?:md|jpeg|jpg|png|py|js|ts|json|html|css|txt|csv|pdf|zip|gif|svg|mp3|mp4|wav)\b`)
	paraRe   = regexp.MustCompile(`\n\n+`)
	clauseRe = regexp.MustCompile(`[，,、：:；;]|——|--`)
)

// Split divides text into ordered, non-empty chunks. With zero Options
// it returns the finest-grained segmentation: paragraph breaks, then
// sentence-final punctuation (kept on the chunk), then clause delimiters
// (consumed). An English period splits only when not preceded by a
// digit, so "1. item" and "v2.0" stay whole.
func Split(text string, opts Options) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	text = extRe.ReplaceAllStringFunc(text, func(m string) string {
		return placeholder + m[1:]
	})

	paragraphs := cleanParts(paraRe.Split(text, -1))

	var chunks []string
	switch {
	case opts.ExactCount > 0:
		chunks = mergeAdjacent(splitFinest(paragraphs), opts.ExactCount)
	case opts.MaxChars > 0:
		chunks = splitMax(paragraphs, opts.MaxChars)
	default:
		chunks = splitFinest(paragraphs)
	}

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.ReplaceAll(c, placeholder, ".")
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// splitFinest applies every split level unconditionally: sentences, then
// clauses within each sentence.
func splitFinest(paragraphs []string) []string {
	var parts []string
	for _, para := range paragraphs {
		for _, s := range cleanParts(splitSentences(para)) {
			parts = append(parts, cleanParts(clauseRe.Split(s, -1))...)
		}
	}
	return parts
}

// splitMax keeps short paragraphs whole and regroups long ones: sentence
// pieces are greedily packed up to maxChars, and a packed piece still
// over the cap (a single long sentence) is re-split at clause delimiters
// and packed again.
func splitMax(paragraphs []string, maxChars int) []string {
	var chunks []string
	for _, para := range paragraphs {
		if utf8.RuneCountInString(para) <= maxChars {
			chunks = append(chunks, para)
			continue
		}
		sentences := cleanParts(splitSentences(para))
		for _, g := range groupParts(sentences, maxChars) {
			if utf8.RuneCountInString(g) <= maxChars {
				chunks = append(chunks, g)
				continue
			}
			clauses := cleanParts(clauseRe.Split(g, -1))
			chunks = append(chunks, groupParts(clauses, maxChars)...)
		}
	}
	return chunks
}

// splitSentences cuts after sentence-final punctuation, keeping the
// punctuation on the piece before the cut.
func splitSentences(s string) []string {
	runes := []rune(s)
	var parts []string
	start := 0
	for i, r := range runes {
		switch r {
		case '.':
			if i > 0 && unicode.IsDigit(runes[i-1]) {
				continue
			}
		case '!', '?', '。', '！', '？', '~', '\n':
		default:
			continue
		}
		parts = append(parts, string(runes[start:i+1]))
		start = i + 1
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

// groupParts greedily packs consecutive parts so each group stays at or
// under limit runes. A single part over the limit becomes its own group.
func groupParts(parts []string, limit int) []string {
	var groups []string
	buf := ""
	for _, p := range parts {
		candidate := p
		if buf != "" {
			candidate = buf + p
		}
		if utf8.RuneCountInString(candidate) <= limit {
			buf = candidate
			continue
		}
		if buf != "" {
			groups = append(groups, buf)
		}
		buf = p
	}
	if buf != "" {
		groups = append(groups, buf)
	}
	return groups
}

// mergeAdjacent reduces parts to exactly k chunks by concatenating
// neighbors in order, greedily filling a rune budget of ceil(total/k)
// per chunk. Content is never reordered and parts are never split; when
// k is not below len(parts), parts are returned as-is.
func mergeAdjacent(parts []string, k int) []string {
	if k >= len(parts) {
		return parts
	}

	total := 0
	for _, p := range parts {
		total += utf8.RuneCountInString(p)
	}
	budget := (total + k - 1) / k

	out := make([]string, 0, k)
	buf := ""
	for i, p := range parts {
		if buf == "" {
			buf = p
			continue
		}
		rest := len(parts) - i    // parts not yet placed, including p
		slotsLeft := k - len(out) // unfilled chunks, counting buf's

		// The final chunk absorbs everything left; otherwise close the
		// current chunk when p and every later part are each needed to
		// fill one remaining slot, or when adding p would blow the
		// budget.
		lastSlot := slotsLeft == 1
		mustClose := rest == slotsLeft-1
		overBudget := utf8.RuneCountInString(buf)+utf8.RuneCountInString(p) > budget
		if !lastSlot && (mustClose || overBudget) {
			out = append(out, buf)
			buf = p
			continue
		}
		buf += p
	}
	return append(out, buf)
}

func cleanParts(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
