// Package chunker partitions long-form text into bounded chunks for synthesis.
// It keeps fenced code blocks atomic, prefers sentence boundaries inside prose,
// and carries a bounded overlap between adjacent chunks for context continuity.
package chunker

import (
	"errors"
	"strings"
	"unicode"
)

// Static errors for chunking validation.
var (
	// ErrMaxCharsNotPositive is returned when MaxChars is zero or negative.
	ErrMaxCharsNotPositive = errors.New("max chars must be positive")
	// ErrNegativeOverlap is returned when OverlapChars is negative.
	ErrNegativeOverlap = errors.New("overlap chars must be zero or positive")
)

// Options configures the behavior of text chunking.
type Options struct {
	// MaxChars is the upper bound on chunk length in characters.
	// A single prose token longer than MaxChars is force-split; a fenced
	// code block longer than MaxChars is kept whole as one oversized
	// chunk instead of being corrupted.
	// Default: 3500.
	MaxChars int

	// PreferSentenceBoundary splits prose into sentence-like tokens at
	// terminal punctuation and paragraph breaks before packing.
	// Default: true.
	PreferSentenceBoundary bool

	// OverlapChars is the number of trailing characters carried into the
	// next chunk when a chunk is closed out. Capped at MaxChars/2.
	// Zero disables the carry-forward entirely.
	// Default: 40.
	OverlapChars int
}

// DefaultOptions returns the default options for text chunking.
func DefaultOptions() Options {
	return Options{
		MaxChars:               3500,
		PreferSentenceBoundary: true,
		OverlapChars:           40,
	}
}

// Split partitions text into an ordered sequence of bounded chunks.
// It returns an empty sequence only for empty input. Chunk lengths are
// measured in runes so multi-byte text is never split mid-character.
func Split(text string, opts Options) ([]string, error) {
	if opts.MaxChars <= 0 {
		return nil, ErrMaxCharsNotPositive
	}
	if opts.OverlapChars < 0 {
		return nil, ErrNegativeOverlap
	}
	if text == "" {
		return nil, nil
	}

	effectiveOverlap := 0
	if opts.MaxChars > 1 && opts.OverlapChars > 0 {
		effectiveOverlap = opts.OverlapChars
		if half := opts.MaxChars / 2; effectiveOverlap > half {
			effectiveOverlap = half
		}
	}

	tokens := tokenize(text, opts.PreferSentenceBoundary)

	var chunks []string
	var current []rune
	hasNewContent := false

	startNewChunk := func() {
		if len(current) > 0 {
			chunks = append(chunks, string(current))
		}
		current = nil
		hasNewContent = false
	}

	// rolloverWithOverlap closes the current chunk and seeds the next one
	// with its trailing characters.
	rolloverWithOverlap := func() {
		var tail []rune
		if effectiveOverlap > 0 && len(current) > 0 {
			from := len(current) - effectiveOverlap
			if from < 0 {
				from = 0
			}
			tail = append(tail, current[from:]...)
		}
		startNewChunk()
		current = tail
	}

	for _, tok := range tokens {
		remaining := []rune(tok.text)
		if len(remaining) == 0 {
			continue
		}

		// An oversized code fence becomes one oversized chunk, emitted
		// verbatim with no overlap seeded into or out of it.
		if tok.atomic && len(remaining) > opts.MaxChars {
			startNewChunk()
			chunks = append(chunks, tok.text)
			continue
		}

		// A token that fits on its own is not split just because the
		// current chunk is nearly full; close the chunk out first.
		if len(remaining) <= opts.MaxChars && len(current) > 0 && len(current)+len(remaining) > opts.MaxChars {
			rolloverWithOverlap()
		}

		for len(remaining) > 0 {
			available := opts.MaxChars - len(current)
			if available <= 0 {
				rolloverWithOverlap()
				available = opts.MaxChars - len(current)
			}
			take := len(remaining)
			if take > available {
				take = available
			}
			current = append(current, remaining[:take]...)
			hasNewContent = true
			remaining = remaining[take:]
			if len(current) >= opts.MaxChars {
				rolloverWithOverlap()
			}
		}
	}

	// A trailing chunk holding nothing but carried overlap is dropped;
	// its content was already emitted with the previous chunk.
	if len(current) > 0 && hasNewContent {
		chunks = append(chunks, string(current))
	}

	return chunks, nil
}

// token is a packing unit. Atomic tokens (fenced code blocks) are never
// force-split at the character level.
type token struct {
	text   string
	atomic bool
}

// segment is a contiguous span of the source text, either prose or a
// fenced code block.
type segment struct {
	text string
	code bool
}

// tokenize turns the source text into packing tokens: code blocks stay whole,
// prose is optionally split into sentence-like pieces.
func tokenize(text string, preferSentenceBoundary bool) []token {
	segments := splitMarkdownSegments(text)

	var tokens []token
	for _, seg := range segments {
		switch {
		case seg.code:
			tokens = append(tokens, token{text: seg.text, atomic: true})
		case preferSentenceBoundary:
			for _, sentence := range splitSentences(seg.text) {
				tokens = append(tokens, token{text: sentence})
			}
		default:
			tokens = append(tokens, token{text: seg.text})
		}
	}

	if len(tokens) == 0 {
		return []token{{text: text}}
	}
	return tokens
}

// splitMarkdownSegments separates fenced code blocks (``` delimited) from
// prose. Fence markers belong to the code segment they open or close; an
// unclosed fence runs to the end of the text.
func splitMarkdownSegments(text string) []segment {
	var segments []segment
	var buf strings.Builder
	inCode := false

	flush := func(code bool) {
		if buf.Len() > 0 {
			segments = append(segments, segment{text: buf.String(), code: code})
			buf.Reset()
		}
	}

	for _, line := range splitLinesKeepEnds(text) {
		stripped := strings.TrimLeftFunc(line, unicode.IsSpace)
		if strings.HasPrefix(stripped, "```") {
			if inCode {
				buf.WriteString(line)
				flush(true)
				inCode = false
			} else {
				flush(false)
				buf.WriteString(line)
				inCode = true
			}
			continue
		}
		buf.WriteString(line)
	}
	flush(inCode)

	if len(segments) == 0 {
		return []segment{{text: text}}
	}
	return segments
}

// splitLinesKeepEnds splits text on newlines, keeping each terminator
// attached to its line.
func splitLinesKeepEnds(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// splitSentences splits prose into sentence-like tokens. A token ends at
// terminal punctuation (. ! ?) plus the whitespace run that follows it, or
// at a paragraph break of two or more consecutive newlines.
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	length := len(runes)

	var sentences []string
	start := 0
	i := 0

	for i < length {
		switch ch := runes[i]; {
		case ch == '.' || ch == '!' || ch == '?':
			i++
			for i < length && unicode.IsSpace(runes[i]) {
				if runes[i] == '\n' {
					newlineStart := i
					for i < length && runes[i] == '\n' {
						i++
					}
					if i-newlineStart >= 2 {
						break
					}
					continue
				}
				i++
			}
			sentences = append(sentences, string(runes[start:i]))
			start = i

		case ch == '\n':
			newlineStart := i
			for i < length && runes[i] == '\n' {
				i++
			}
			if i-newlineStart >= 2 {
				sentences = append(sentences, string(runes[start:i]))
				start = i
			}

		default:
			i++
		}
	}

	if start < length {
		sentences = append(sentences, string(runes[start:]))
	}

	return sentences
}
