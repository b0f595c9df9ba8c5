package room

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxContentChars is the default character limit for a message body.
const MaxContentChars = 5000

// ValidateContent checks that a message body is deliverable. Whitespace-only
// content counts as empty.
func ValidateContent(content string, maxChars int) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(content) {
		return ErrInvalidContent
	}
	if maxChars > 0 {
		if n := utf8.RuneCountInString(content); n > maxChars {
			return fmt.Errorf("%w: %d characters, limit is %d", ErrContentTooLong, n, maxChars)
		}
	}
	return nil
}
