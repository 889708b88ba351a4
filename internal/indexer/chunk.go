package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Chunk splits text into overlapping windows of size runes. Consecutive windows
// start size-overlap runes apart, so every chunk but the last is exactly size
// runes long and shares overlap runes with its successor. The last chunk ends
// at the end of text and is never fully contained in its predecessor.
//
// A non-positive size falls back to DefaultChunkSize; overlap is clamped to
// [0, size-1]. Empty or whitespace-only text yields no chunks. The returned
// chunks carry Seq and Text only.
func Chunk(text string, size, overlap int) []memory.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	size, overlap = normalize(size, overlap)
	runes := []rune(text)
	step := size - overlap

	var out []memory.Chunk
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		out = append(out, memory.Chunk{Seq: len(out), Text: string(runes[start:end])})
		if end == len(runes) {
			return out
		}
	}
}

// ShouldIndex reports whether text is long enough to be worth indexing: more
// than half a chunk.
func ShouldIndex(text string, size int) bool {
	size, _ = normalize(size, 0)
	return utf8.RuneCountInString(text) > size/2
}

func normalize(size, overlap int) (int, int) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap = max(0, min(overlap, size-1))
	return size, overlap
}

// ChunkID derives the ID of the chunk at position seq of a source. A chunk
// whose text changed between runs, such as the tail of a growing live
// transcript, keeps its ID and is replaced rather than duplicated.
func ChunkID(scope memory.Scope, sourceID string, seq int) string {
	h := sha256.New()
	for _, part := range []string{string(scope.Type), scope.ID, sourceID, strconv.Itoa(seq)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
