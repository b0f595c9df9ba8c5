package moderation

import "testing"

func TestCheck(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "go away forever", "  "})

	tests := []struct {
		name   string
		input  string
		reason string
		term   string
	}{
		{"clean", "see you at the standup", "", ""},
		{"keyword", "this is a BADWORD, sorry", "keyword", "badword"},
		{"keyword substring", "mybadwords are fine", "", ""},
		{"phrase", "please go away forever now", "keyword", "go away forever"},
		{"phrase split", "go away and come back forever", "", ""},
		{"leetspeak", "b4dw0rd", "keyword", "badword"},
		{"url", "look at https://example.com/x", "spam_pattern", "url"},
		{"bare domain", "visit shop.xyz/deal", "spam_pattern", "url"},
		{"version string", "upgrade to v2.0 today", "", ""},
		{"phone", "call 555-123-4567 tonight", "spam_pattern", "phone"},
		{"char flood", "nooooooooo", "spam_pattern", "char_flood"},
		{"short repeat", "sooo good", "", ""},
		{"word flood", "buy buy BUY buy now", "spam_pattern", "word_flood"},
		{"three repeats", "no no no", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Check(tt.input)
			if got.Flagged != (tt.reason != "") {
				t.Fatalf("Check(%q) = %+v", tt.input, got)
			}
			if got.Reason != tt.reason || got.Term != tt.term {
				t.Errorf("Check(%q) = %s/%s, want %s/%s", tt.input, got.Reason, got.Term, tt.reason, tt.term)
			}
		})
	}
}

func TestNewFilter_Defaults(t *testing.T) {
	f := NewFilter()
	if len(f.words) == 0 || len(f.phrases) == 0 {
		t.Fatalf("expected built-in words and phrases, got %d/%d", len(f.words), len(f.phrases))
	}
	if got := f.Check("k1ll y0urs3lf"); !got.Flagged || got.Term != "kill yourself" {
		t.Errorf("expected the built-in phrase to match, got %+v", got)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Hello, World!  it's 2024")
	want := []string{"hello", "world", "it", "s", "2024"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokenize = %v, want %v", got, want)
		}
	}
}
