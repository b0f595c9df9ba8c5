// Package moderation flags room messages for review. It never blocks
// delivery: messages are checked after they are stored and fanned out, and
// the flags are recorded by the room watcher for a human to look at.
package moderation

import (
	"strings"
	"unicode"
)

// Flag is the outcome of checking one message.
type Flag struct {
	Flagged bool
	Reason  string // "keyword" or "spam_pattern"
	Term    string // matched keyword, or the spam check name
}

// defaultTerms is a small built-in list; deployments load their own with
// NewFilterWithTerms.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"send nudes",
	"free crypto",
}

// leet maps common character substitutions back to letters before keyword
// matching.
var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
)

// Filter checks text against single-word keywords, multi-word phrases and
// the spam heuristics. It is read-only after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter creates a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter for terms. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		tokens := tokenize(t)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check returns the first keyword match, then the first spam pattern match.
func (f *Filter) Check(text string) Flag {
	for _, tokens := range [][]string{tokenize(text), tokenize(leet.Replace(text))} {
		if term, ok := f.matchKeywords(tokens); ok {
			return Flag{Flagged: true, Reason: "keyword", Term: term}
		}
	}
	return checkSpamPatterns(text)
}

func (f *Filter) matchKeywords(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(phrase)], phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

// tokenize lowercases text and splits it on anything that is not a letter
// or a digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
