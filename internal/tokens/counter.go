// Package tokens counts model tokens in user messages.
package tokens

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// Counter counts tokens with a tiktoken encoding. A Counter without an
// encoding approximates the count with the number of words.
type Counter struct {
	encode func(string) int
}

// NewCounter loads the encoding used by model, falling back to cl100k_base.
// If neither can be loaded the returned Counter approximates.
func NewCounter(model string, log *slog.Logger) *Counter {
	if log == nil {
		log = slog.Default()
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		log.Debug("no tiktoken encoding for model, using fallback", "model", model, "encoding", fallbackEncoding, "err", err)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		log.Warn("tiktoken encoding unavailable, approximating token counts", "err", err)
		return &Counter{}
	}
	return &Counter{encode: func(s string) int { return len(enc.Encode(s, nil, nil)) }}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encode == nil {
		return len(strings.Fields(text))
	}
	return c.encode(text)
}
