package moderation

import (
	"strings"
	"testing"
)

func TestScoreQualityEmpty(t *testing.T) {
	result := ScoreQuality("", 25)
	if result.Pass || result.Score != 0 {
		t.Fatalf("expected failing zero score, got %+v", result)
	}
	want := []string{NoteShort, NoteVeryShort, NoteLowWords}
	if strings.Join(result.Notes, ",") != strings.Join(want, ",") {
		t.Fatalf("expected notes %v, got %v", want, result.Notes)
	}
}

func TestScoreQualityWordScore(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("word ", 30))
	result := ScoreQuality(text, 25)
	if result.Score != 50 {
		t.Fatalf("expected 30/60 words to score 50, got %d", result.Score)
	}
	if !result.Pass {
		t.Fatalf("expected pass, got %+v", result)
	}

	full := ScoreQuality(strings.Repeat("word ", 90), 25)
	if full.Score != 100 {
		t.Fatalf("expected score capped at 100, got %d", full.Score)
	}
}

func TestScoreQualityLengthFloors(t *testing.T) {
	cases := []struct {
		words int
		want  int
	}{
		{8, 40},  // 127 characters
		{13, 55}, // 207 characters
		{21, 70}, // 335 characters
	}
	for _, tc := range cases {
		text := strings.TrimSpace(strings.Repeat("extraordinarily ", tc.words))
		if got := ScoreQuality(text, 25).Score; got != tc.want {
			t.Fatalf("%d long words: expected floor %d, got %d", tc.words, tc.want, got)
		}
	}
}

func TestScoreQualityRequiresMinimumLength(t *testing.T) {
	result := ScoreQuality("ok", 0)
	if result.Pass {
		t.Fatalf("expected text under 10 characters to fail, got %+v", result)
	}
}

func TestScoreQualityCountsUnicodeCharacters(t *testing.T) {
	result := ScoreQuality("héllo wörld", 0)
	if result.Length != 11 || result.Words != 2 {
		t.Fatalf("expected 11 runes and 2 words, got %+v", result)
	}
}

func TestQualityThreshold(t *testing.T) {
	cases := []struct {
		configured int
		trusted    bool
		want       int
	}{
		{25, false, 25},
		{0, false, 25},
		{25, true, 15},
		{40, true, 30},
		{18, true, 15},
	}
	for _, tc := range cases {
		if got := QualityThreshold(tc.configured, tc.trusted); got != tc.want {
			t.Fatalf("QualityThreshold(%d, %t) = %d, want %d", tc.configured, tc.trusted, got, tc.want)
		}
	}
}
