package knowledge

// DefaultChunkSize is the chunk length in characters (runes).
const DefaultChunkSize = 1000

// ChunkText splits content into consecutive, non-overlapping slices of at
// most size runes. Joining the result in order yields content exactly, and a
// text of L runes gives ceil(L/size) chunks.
func ChunkText(content string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
