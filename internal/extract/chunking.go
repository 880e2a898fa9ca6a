package extract

import "fmt"

// Chunking defaults. Sizes are measured in runes.
const (
	DefaultChunkSize    = 3000
	DefaultChunkOverlap = 250

	// ChunkStrategy is recorded on runs so a later change of algorithm is visible.
	ChunkStrategy = "char"
)

// Chunk is one window over a bundle. Start and End are rune offsets into the
// original text, so every chunk shares the bundle's coordinate space.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// ChunkID renders the provenance id of the i-th (0-based) of n chunks, e.g. "2/3".
func ChunkID(i, n int) string {
	return fmt.Sprintf("%d/%d", i+1, n)
}

// NormalizeChunking clamps chunking parameters to values ChunkText can make
// progress with.
func NormalizeChunking(size, overlap int) (int, int) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return size, overlap
}

// ChunkText splits text into windows of size runes. Each window starts
// overlap runes before the previous one ended; the last window is cut at the
// end of the text.
//
// The result is never empty: empty text yields one zero-length chunk, so
// extraction always has something to run over.
func ChunkText(text string, size, overlap int) []Chunk {
	size, overlap = NormalizeChunking(size, overlap)

	runes := []rune(text)
	if len(runes) == 0 {
		return []Chunk{{Text: "", Start: 0, End: 0}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Text: string(runes[start:end]), Start: start, End: end})

		if end >= len(runes) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
