package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains need a path so "v2.0" or "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// +1-555-123-4567, (555) 123-4567, 555.123.4567; anchored on whitespace.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// hasCharFlood reports a run of 8 or more identical characters. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 8

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word repeated 4 or more times in a row,
// ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 4

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// checkSpamPatterns returns a flag for the first matching spam check.
func checkSpamPatterns(text string) Flag {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Flag{Flagged: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return Flag{}
}
