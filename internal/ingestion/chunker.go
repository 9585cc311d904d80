package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/normanking/helix/internal/data"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHUNKER
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy names a chunking method.
type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategySemantic Strategy = "semantic"
	StrategySentence Strategy = "sentence"
)

// ParseStrategy defaults unknown names to semantic.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFixed:
		return StrategyFixed
	case StrategySentence:
		return StrategySentence
	default:
		return StrategySemantic
	}
}

// Chunker splits text into chunks of at most size characters. Consecutive
// chunks share overlap characters.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker validates overlap < size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap %d must be in [0, %d)", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in characters.
func (c *Chunker) Size() int { return c.size }

// Split applies strategy to text. Blank input yields no chunks.
func (c *Chunker) Split(text string, strategy Strategy) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	switch strategy {
	case StrategyFixed:
		return c.fixed(text)
	case StrategySentence:
		return c.pack(splitIntoSentences(text), " ")
	default:
		return c.pack(splitIntoParagraphs(text), "\n\n")
	}
}

// fixed cuts windows of size runes advancing by size-overlap.
func (c *Chunker) fixed(text string) []string {
	runes := []rune(text)
	step := c.size - c.overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+c.size, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// pack accumulates units joined by sep while the chunk stays within size.
// A unit longer than size is split by sentences, then by fixed windows.
// Each new chunk starts with the overlap tail of the previous one when it
// fits.
func (c *Chunker) pack(units []string, sep string) []string {
	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}
	start := func(unit string) {
		if c.overlap > 0 && len(out) > 0 {
			tail := getOverlapText(out[len(out)-1], c.overlap)
			if runeLen(tail)+runeLen(sep)+runeLen(unit) <= c.size {
				current.WriteString(tail)
				current.WriteString(sep)
			}
		}
		current.WriteString(unit)
	}

	for _, unit := range units {
		if runeLen(unit) > c.size {
			flush()
			var parts []string
			if sep != " " {
				parts = c.pack(splitIntoSentences(unit), " ")
			} else {
				parts = c.fixed(unit)
			}
			out = append(out, parts...)
			continue
		}
		switch {
		case current.Len() == 0:
			start(unit)
		case runeLen(current.String())+runeLen(sep)+runeLen(unit) <= c.size:
			current.WriteString(sep)
			current.WriteString(unit)
		default:
			flush()
			start(unit)
		}
	}
	flush()
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILE CHUNKS
// ═══════════════════════════════════════════════════════════════════════════════

// ChunkFile splits the content of f into store rows. Every row carries the
// file's SHA-256 and category in its metadata.
func (c *Chunker) ChunkFile(f FileInfo, content string, strategy Strategy, category string) []data.Chunk {
	pieces := c.Split(content, strategy)
	out := make([]data.Chunk, len(pieces))
	title := extractTitle(content)
	for i, p := range pieces {
		out[i] = data.Chunk{
			SourceFile: f.Name,
			SourceHash: f.Hash,
			Title:      title,
			ChunkIndex: i,
			Content:    p,
			Category:   category,
			Metadata: map[string]any{
				"strategy":     string(strategy),
				"content_type": detectContentType(p),
			},
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	// Latin terminators need trailing whitespace; CJK terminators do not.
	sentenceEnd = regexp.MustCompile(`[。！？]+|[.!?]+\s+`)
)

// splitIntoParagraphs splits text on blank lines.
func splitIntoParagraphs(text string) []string {
	var result []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// splitIntoSentences splits text after sentence terminators, keeping the
// terminator with its sentence.
func splitIntoSentences(text string) []string {
	var result []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			result = append(result, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		result = append(result, s)
	}
	return result
}

// getOverlapText returns the last n characters of content.
func getOverlapText(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return strings.TrimSpace(string(runes[len(runes)-n:]))
}

// extractTitle uses the first non-empty line, stripped of markdown heading
// marks and capped at 100 characters.
func extractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if runeLen(line) > 100 {
			return string([]rune(line)[:100]) + "..."
		}
		return line
	}
	return ""
}

// detectContentType labels a chunk as code, mixed or text.
func detectContentType(content string) string {
	fences := strings.Count(content, "```")
	switch {
	case fences >= 2 && strings.HasPrefix(strings.TrimSpace(content), "```"):
		return "code"
	case fences > 0:
		return "mixed"
	default:
		return "text"
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
