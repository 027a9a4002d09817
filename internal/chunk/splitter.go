package chunk

import (
	"strings"
	"unicode"

	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
)

// Splitter produces chunks from documents under one Config.
type Splitter struct {
	cfg Config
}

// NewSplitter validates cfg and returns a splitter.
func NewSplitter(cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{cfg: cfg}, nil
}

// Split chunks every document, preserving document order. Each chunk
// carries the document metadata plus a chunk_index that is monotone
// within a source. Empty documents produce zero chunks.
func (s *Splitter) Split(docs []loader.Document) []Chunk {
	var chunks []Chunk
	indexBySource := make(map[string]int)

	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}

		source, _ := doc.Metadata["source"].(string)
		pieces := s.splitText(doc.Content)

		for _, piece := range pieces {
			meta := make(map[string]any, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta["chunk_index"] = indexBySource[source]
			indexBySource[source]++

			chunks = append(chunks, Chunk{Content: piece, Metadata: meta})
		}
	}

	return chunks
}

// splitText chunks one document's text.
func (s *Splitter) splitText(text string) []string {
	chinese := s.cfg.ChineseAware || chineseRatio(text) >= ChineseRatioThreshold

	if !s.cfg.RespectSentenceBoundary {
		return slideWindow([]rune(text), s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	}

	seps := generalSeparators
	terms := generalTerminators
	if chinese {
		seps = chineseSeparators
		terms = chineseTerminators
	}

	fragments := recursiveSplit(text, seps, s.cfg.ChunkSize)
	return s.mergeFragments(fragments, terms)
}

// slideWindow produces fixed-size chunks with an exact rune overlap.
func slideWindow(runes []rune, size, overlap int) []string {
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{string(runes)}
	}

	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// recursiveSplit breaks text into fragments no longer than size runes,
// trying each separator in priority order. Sentence punctuation
// separators stay attached to the fragment they terminate.
func recursiveSplit(text string, separators []string, size int) []string {
	if runeLen(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	sep := separators[0]
	rest := separators[1:]

	if sep == "" {
		// Hard split by runes; the last resort for unbroken runs
		return slideWindow([]rune(text), size, 0)
	}

	if !strings.Contains(text, sep) {
		return recursiveSplit(text, rest, size)
	}

	parts := strings.SplitAfter(text, sep)
	var out []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		if runeLen(part) <= size {
			out = append(out, part)
		} else {
			out = append(out, recursiveSplit(part, rest, size)...)
		}
	}
	return out
}

// mergeFragments accumulates fragments into chunks of at most ChunkSize
// runes. When a chunk closes, the next one starts with the trailing
// whole sentences of the previous chunk, up to ChunkOverlap runes.
func (s *Splitter) mergeFragments(fragments []string, terms map[rune]bool) []string {
	var out []string
	var current strings.Builder
	currentLen := 0

	flush := func() string {
		if currentLen == 0 {
			return ""
		}
		chunk := current.String()
		out = append(out, strings.TrimRight(chunk, " "))
		current.Reset()
		currentLen = 0
		return chunk
	}

	for _, frag := range fragments {
		fragLen := runeLen(frag)
		if currentLen > 0 && currentLen+fragLen > s.cfg.ChunkSize {
			closed := flush()

			if s.cfg.ChunkOverlap > 0 {
				overlap := trailingSentences(closed, s.cfg.ChunkOverlap, terms)
				// Overlap must leave room for new content
				if overlap != "" && runeLen(overlap)+fragLen <= s.cfg.ChunkSize {
					current.WriteString(overlap)
					currentLen = runeLen(overlap)
				}
			}
		}
		current.WriteString(frag)
		currentLen += fragLen
	}
	flush()

	return out
}

// trailingSentences returns the longest run of whole sentences at the
// end of text whose total length does not exceed budget runes.
func trailingSentences(text string, budget int, terms map[rune]bool) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return ""
	}

	// Walk backward over sentence boundaries, keeping the cut within budget
	cut := len(runes)
	for i := len(runes) - 2; i >= 0; i-- {
		if terms[runes[i]] {
			if len(runes)-(i+1) > budget {
				break
			}
			cut = i + 1
		}
	}
	if cut == len(runes) {
		return ""
	}
	return strings.TrimLeft(string(runes[cut:]), " ")
}

// chineseRatio returns the share of Han characters among the
// non-whitespace runes of text.
func chineseRatio(text string) float64 {
	var total, han int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(han) / float64(total)
}

func runeLen(s string) int {
	return len([]rune(s))
}
