// Package naming turns free text into session identifiers.
package naming

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// DefaultName is used when a title sanitizes to nothing.
const DefaultName = "new-chat"

// Sanitize lowercases s, joins its whitespace-separated words with hyphens,
// drops everything that is not a letter, digit or hyphen, and trims hyphens
// from both ends. The result may be empty.
func Sanitize(s string) string {
	joined := strings.Join(strings.Fields(strings.ToLower(s)), "-")
	var b strings.Builder
	b.Grow(len(joined))
	for _, r := range joined {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// Slug is Sanitize with an empty result replaced by DefaultName.
func Slug(s string) string {
	if out := Sanitize(s); out != "" {
		return out
	}
	return DefaultName
}

// Unique returns base, or base-1, base-2, ... whichever is first reported
// absent by exists.
func Unique(base string, exists func(string) (bool, error)) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		taken, err := exists(candidate)
		if err != nil {
			return "", fmt.Errorf("naming: probe %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// Counter hands out fallback ids of the form session_N.
type Counter struct {
	mu   sync.Mutex
	last int
}

// Next returns the next session_N id that exists does not report as taken.
func (c *Counter) Next(exists func(string) (bool, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.last++
		id := fmt.Sprintf("session_%d", c.last)
		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("naming: probe %q: %w", id, err)
		}
		if !taken {
			return id, nil
		}
	}
}
