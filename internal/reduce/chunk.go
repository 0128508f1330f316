package reduce

import "strings"

// CharsPerToken approximates the tokenizer ratio used for budgeting.
const CharsPerToken = 4

// DefaultChunkTokens is the default per-call token budget for Stage1.
const DefaultChunkTokens = 25000

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// Chunk splits text into line-aligned segments of at most maxTokens
// estimated tokens. A line is never split, so a single oversized line forms
// its own chunk. Joining the chunks with "\n" reproduces text exactly.
func Chunk(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokens
	}
	maxChars := maxTokens * CharsPerToken
	if len(text) <= maxChars {
		return []string{text}
	}

	var (
		chunks  []string
		current []string
		size    int
	)
	for _, line := range strings.Split(text, "\n") {
		lineSize := len(line) + 1
		if size+lineSize > maxChars && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = []string{line}
			size = lineSize
			continue
		}
		current = append(current, line)
		size += lineSize
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}
