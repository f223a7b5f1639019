package vectorstore

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SplitConfig configures document splitting for index builds.
type SplitConfig struct {
	ChunkSize    int // target chunk size in characters
	ChunkOverlap int // characters carried over between adjacent chunks
}

// DefaultSplitConfig returns the defaults used by the rebuild surface.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		ChunkSize:    512,
		ChunkOverlap: 50,
	}
}

// SplitDocument splits one source document into indexable chunks with
// deterministic ids (<source>#<n>) and word-count token estimates. Splitting
// is recursive: paragraph breaks first, then lines, sentences, words, and
// finally raw runes for pathological inputs.
func SplitDocument(source, text string, cfg SplitConfig) []Chunk {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}

	var pieces []string
	if utf8.RuneCountInString(text) <= cfg.ChunkSize {
		pieces = []string{text}
	} else {
		pieces = recursiveSplit(text, []string{"\n\n", "\n", ". ", " ", ""}, cfg.ChunkSize, cfg.ChunkOverlap)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		if strings.TrimSpace(p) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ChunkID: fmt.Sprintf("%s#%d", source, i),
			Source:  source,
			Text:    p,
			Tokens:  len(strings.Fields(p)),
		})
	}
	return chunks
}

func recursiveSplit(text string, separators []string, chunkSize, overlap int) []string {
	if utf8.RuneCountInString(text) <= chunkSize {
		return []string{text}
	}

	var segments []string
	var sep string
	for _, s := range separators {
		if s == "" {
			return splitByRunes(text, chunkSize)
		}
		parts := strings.Split(text, s)
		if len(parts) > 1 {
			segments = parts
			sep = s
			break
		}
	}
	if len(segments) == 0 {
		return []string{text}
	}

	// Merge segments up to the target size, carrying an overlap tail across
	// chunk boundaries.
	var out []string
	var current strings.Builder
	for _, seg := range segments {
		candidate := current.String()
		if candidate != "" {
			candidate += sep
		}
		candidate += seg

		if utf8.RuneCountInString(candidate) > chunkSize && current.Len() > 0 {
			out = append(out, current.String())
			tail := overlapTail(current.String(), overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(sep)
			}
			current.WriteString(seg)
		} else {
			if current.Len() > 0 {
				current.WriteString(sep)
			}
			current.WriteString(seg)
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// overlapTail returns the last n runes of s.
func overlapTail(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

func splitByRunes(text string, n int) []string {
	runes := []rune(text)
	var segments []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, string(runes[i:end]))
	}
	return segments
}
