package moderation

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	defaultQualityThreshold    = 25
	trustedQualityRelief       = 10
	trustedQualityFloor        = 15
	minimumQualityLength       = 10
	qualityWordsForFullScore   = 60
	qualityNoteShortLength     = 80
	qualityNoteVeryShortLength = 40
	qualityNoteLowWords        = 10
)

const (
	NoteShort     = "short"
	NoteVeryShort = "very_short"
	NoteLowWords  = "low_words"
)

var qualityLengthFloors = []struct {
	length int
	score  int
}{
	{320, 70},
	{200, 55},
	{120, 40},
}

type QualityResult struct {
	Pass      bool     `json:"pass"`
	Score     int      `json:"score"`
	Threshold int      `json:"threshold"`
	Length    int      `json:"length"`
	Words     int      `json:"words"`
	Notes     []string `json:"notes"`
}

// QualityThreshold applies the trusted-import relief to the configured minimum.
func QualityThreshold(configured int, trusted bool) int {
	if configured <= 0 {
		configured = defaultQualityThreshold
	}
	if !trusted {
		return configured
	}
	relaxed := configured - trustedQualityRelief
	if relaxed < trustedQualityFloor {
		return trustedQualityFloor
	}
	return relaxed
}

// ScoreQuality scores plain text; callers strip markup first.
func ScoreQuality(text string, threshold int) QualityResult {
	text = strings.TrimSpace(text)
	length := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))

	score := int(math.Round(float64(words) / qualityWordsForFullScore * 100))
	if score > 100 {
		score = 100
	}
	for _, floor := range qualityLengthFloors {
		if length >= floor.length {
			if score < floor.score {
				score = floor.score
			}
			break
		}
	}

	notes := []string{}
	if length < qualityNoteShortLength {
		notes = append(notes, NoteShort)
	}
	if length < qualityNoteVeryShortLength {
		notes = append(notes, NoteVeryShort)
	}
	if words < qualityNoteLowWords {
		notes = append(notes, NoteLowWords)
	}
	return QualityResult{
		Pass:      score >= threshold && length >= minimumQualityLength,
		Score:     score,
		Threshold: threshold,
		Length:    length,
		Words:     words,
		Notes:     notes,
	}
}
