package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
)

func doc(content string, source string) loader.Document {
	return loader.Document{
		Content:  content,
		Metadata: map[string]any{"source": source},
	}
}

func TestNewSplitter_RejectsBadConfig(t *testing.T) {
	_, err := NewSplitter(Config{ChunkSize: 100, ChunkOverlap: 100})
	assert.Error(t, err)

	_, err = NewSplitter(Config{ChunkSize: 0, ChunkOverlap: 0})
	assert.Error(t, err)

	_, err = NewSplitter(Config{ChunkSize: 100, ChunkOverlap: -1})
	assert.Error(t, err)
}

func TestSplit_EmptyDocumentZeroChunks(t *testing.T) {
	s, err := NewSplitter(DefaultConfig())
	require.NoError(t, err)

	chunks := s.Split([]loader.Document{doc("   \n\t  ", "empty.txt")})
	assert.Empty(t, chunks)
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	s, err := NewSplitter(DefaultConfig())
	require.NoError(t, err)

	chunks := s.Split([]loader.Document{doc("short text", "a.txt")})
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Metadata["chunk_index"])
	assert.Equal(t, "a.txt", chunks[0].Metadata["source"])
}

func TestSplit_ChunkIndexMonotonePerSource(t *testing.T) {
	s, err := NewSplitter(Config{ChunkSize: 40, ChunkOverlap: 5, RespectSentenceBoundary: true})
	require.NoError(t, err)

	long := strings.Repeat("One sentence here. ", 20)
	chunks := s.Split([]loader.Document{
		doc(long, "a.txt"),
		doc(long, "b.txt"),
		doc("tail for a? appended later.", "a.txt"),
	})

	lastBySource := make(map[string]int)
	for _, c := range chunks {
		source := c.Metadata["source"].(string)
		idx := c.Metadata["chunk_index"].(int)
		if prev, seen := lastBySource[source]; seen {
			assert.Equal(t, prev+1, idx, "chunk_index must be monotone within %s", source)
		} else {
			assert.Equal(t, 0, idx, "first chunk of %s must start at 0", source)
		}
		lastBySource[source] = idx
	}
	assert.Greater(t, lastBySource["a.txt"], 0)
	assert.Greater(t, lastBySource["b.txt"], 0)
}

func TestSplit_MaxLengthInvariant(t *testing.T) {
	for _, boundary := range []bool{true, false} {
		s, err := NewSplitter(Config{ChunkSize: 64, ChunkOverlap: 16, RespectSentenceBoundary: boundary})
		require.NoError(t, err)

		text := strings.Repeat("Sentences of varied length fill this text. Short one. ", 30)
		chunks := s.Split([]loader.Document{doc(text, "t.txt")})
		require.NotEmpty(t, chunks)

		for i, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c.Content)), 64,
				"chunk %d exceeds size (boundary=%v)", i, boundary)
		}
	}
}

func TestSplit_ExactOverlapWithoutSentenceBoundary(t *testing.T) {
	s, err := NewSplitter(Config{ChunkSize: 20, ChunkOverlap: 5, RespectSentenceBoundary: false})
	require.NoError(t, err)

	text := strings.Repeat("abcdefghij", 10) // 100 runes, no separators matter
	chunks := s.Split([]loader.Document{doc(text, "t.txt")})
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Content)
		curr := []rune(chunks[i].Content)
		overlap := string(prev[len(prev)-5:])
		assert.Equal(t, overlap, string(curr[:5]),
			"adjacent chunks %d/%d must overlap by exactly 5 runes", i-1, i)
	}
}

func TestSplit_SentenceBoundaryOverlapSnapsBack(t *testing.T) {
	s, err := NewSplitter(Config{ChunkSize: 60, ChunkOverlap: 25, RespectSentenceBoundary: true})
	require.NoError(t, err)

	text := "First sentence here. Second sentence is longer. Third one. Fourth sentence closes it. Fifth for spill."
	chunks := s.Split([]loader.Document{doc(text, "t.txt")})
	require.Greater(t, len(chunks), 1)

	// Every chunk must begin at a sentence start: position 0 of the
	// original text, or right after a terminator.
	for i, c := range chunks {
		head := strings.TrimSpace(c.Content)
		require.NotEmpty(t, head)
		pos := strings.Index(text, head)
		require.GreaterOrEqual(t, pos, 0, "chunk %d not found in source", i)
		if pos > 0 {
			before := strings.TrimRight(text[:pos], " ")
			assert.True(t, strings.HasSuffix(before, "."),
				"chunk %d should begin after a sentence terminator, begins at %q", i, text[pos:min(pos+15, len(text))])
		}
	}
}

func TestSplit_ChineseSeparators(t *testing.T) {
	s, err := NewSplitter(Config{ChunkSize: 30, ChunkOverlap: 5, RespectSentenceBoundary: true})
	require.NoError(t, err)

	text := "李晓勇与张三合伙投资了ABC科技公司。这家公司专注于人工智能。后来他们又投资了第二家公司。业务持续增长。规模不断扩大。"
	chunks := s.Split([]loader.Document{doc(text, "cn.txt")})
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Content)), 30)
	}
	// Chinese splitting should cut at 。 boundaries, not mid-sentence
	assert.True(t, strings.HasSuffix(strings.TrimSpace(chunks[0].Content), "。"),
		"first chunk should end at a Chinese sentence terminator, got %q", chunks[0].Content)
}

func TestChineseRatio(t *testing.T) {
	assert.Equal(t, 0.0, chineseRatio("pure english text"))
	assert.Equal(t, 1.0, chineseRatio("全是中文"))
	assert.InDelta(t, 0.5, chineseRatio("中文 ab"), 0.01)
	assert.Equal(t, 0.0, chineseRatio("   "))
}

func TestSplit_AutoDetectsChinese(t *testing.T) {
	s, err := NewSplitter(Config{ChunkSize: 20, ChunkOverlap: 0, RespectSentenceBoundary: true})
	require.NoError(t, err)

	// Above the 0.3 ratio, the Chinese separator list applies even
	// without ChineseAware.
	text := "第一句话说明了情况。第二句话补充了细节。第三句话收尾了内容。"
	chunks := s.Split([]loader.Document{doc(text, "cn.txt")})
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "。"))
}

func TestSplit_MetadataCarriesLoaderKeys(t *testing.T) {
	s, err := NewSplitter(DefaultConfig())
	require.NoError(t, err)

	chunks := s.Split([]loader.Document{{
		Content:  "page text",
		Metadata: map[string]any{"source": "doc.pdf", "page": 3},
	}})
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].Metadata["page"])
	assert.Equal(t, "doc.pdf", chunks[0].Metadata["source"])
}

func TestSlideWindow_UnbrokenRun(t *testing.T) {
	out := slideWindow([]rune(strings.Repeat("x", 25)), 10, 3)
	require.NotEmpty(t, out)
	for _, c := range out {
		assert.LessOrEqual(t, len(c), 10)
	}
	// Reassembling without the overlaps restores the original
	total := out[0]
	for _, c := range out[1:] {
		total += c[3:]
	}
	assert.Equal(t, strings.Repeat("x", 25), total)
}
