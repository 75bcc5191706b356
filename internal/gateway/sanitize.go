package gateway

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Truncation bounds for sanitized free text.
const (
	// MaxErrorTextLen bounds sanitized error messages.
	MaxErrorTextLen = 10 * 1024

	// MaxStackTextLen bounds sanitized stack-like text.
	MaxStackTextLen = 50 * 1024
)

// SanitizeOptions controls sanitization of a free-text field.
type SanitizeOptions struct {
	// MaxLen truncates the result to at most this many bytes, cut at a rune
	// boundary. Zero means MaxErrorTextLen.
	MaxLen int

	// RedactPaths replaces absolute filesystem paths with their bare
	// filenames.
	RedactPaths bool
}

// Sanitizer normalizes untrusted text destined for display.
//
// The pipeline is: drop control characters (keeping ordinary whitespace),
// collapse exotic Unicode whitespace to plain spaces, redact absolute paths,
// truncate, then strip/escape markup so nothing executable survives.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// absPathPattern matches absolute Unix and Windows paths with at least one
// directory component, capturing the final filename.
var absPathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?[/\\](?:[\w.\-]+[/\\])+([\w.\-]+)`)

// NewSanitizer creates a sanitizer. The strict policy strips every HTML
// element and escapes the remaining text.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize applies the full pipeline to text.
func (s *Sanitizer) Sanitize(text string, opts SanitizeOptions) string {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = MaxErrorTextLen
	}

	text = stripControl(text)
	text = normalizeWhitespace(text)
	if opts.RedactPaths {
		text = redactPaths(text)
	}
	text = truncateRunes(text, maxLen)
	return s.policy.Sanitize(text)
}

// SanitizeError sanitizes an error message with path redaction and the
// error-text bound.
func (s *Sanitizer) SanitizeError(text string) string {
	return s.Sanitize(text, SanitizeOptions{MaxLen: MaxErrorTextLen, RedactPaths: true})
}

// SanitizeStack sanitizes stack-like text with path redaction and the larger
// stack bound.
func (s *Sanitizer) SanitizeStack(text string) string {
	return s.Sanitize(text, SanitizeOptions{MaxLen: MaxStackTextLen, RedactPaths: true})
}

// stripControl removes control characters except newline and tab. Carriage
// returns are dropped rather than kept so line endings normalize to \n.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

// normalizeWhitespace replaces non-ASCII Unicode space characters with plain
// spaces. Newlines and tabs pass through untouched.
func normalizeWhitespace(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == ' ' {
			return r
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, text)
}

// redactPaths replaces absolute path prefixes with the bare filename.
func redactPaths(text string) string {
	return absPathPattern.ReplaceAllString(text, "$1")
}

// truncateRunes cuts text to at most maxBytes, never splitting a rune.
func truncateRunes(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
