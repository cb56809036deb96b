// Package tokenizer counts tokens for usage accounting. It uses the same
// cl100k_base encoding the upstream models report against; when the encoding
// cannot be loaded a coarse estimate keeps accounting alive instead of failing
// requests.
package tokenizer

import (
	"log"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter tokenizes text for prompt/completion accounting.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New builds a Counter backed by cl100k_base, falling back to estimation when
// the encoding is unavailable (offline environments).
func New() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("⚠️ cl100k_base encoding unavailable, using estimated token counts: %v", err)
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// estimateTokens approximates one token per four characters, never reporting
// zero for non-empty text.
func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
