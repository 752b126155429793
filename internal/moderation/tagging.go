package moderation

import (
	"context"
	"sort"
	"strings"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	maxFeelingTags = 3
	maxToneTags    = 2
)

type Tags struct {
	Feelings []string `json:"feelings"`
	Tones    []string `json:"tones"`
}

// SelectTags scores each term once per matching keyword. Equal scores keep dictionary order.
func SelectTags(content string, rules *Rules) Tags {
	text := strings.ToLower(content)
	return Tags{
		Feelings: topTerms(text, rules.Feelings, maxFeelingTags),
		Tones:    topTerms(text, rules.Tones, maxToneTags),
	}
}

func topTerms(text string, dictionary []TermRule, limit int) []string {
	type scored struct {
		term  string
		score float64
	}
	candidates := make([]scored, 0, len(dictionary))
	for _, entry := range dictionary {
		var score float64
		for _, keyword := range entry.Keywords {
			if keyword.Match != "" && strings.Contains(text, keyword.Match) {
				score += keyword.Weight
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{term: entry.Term, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	terms := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		terms = append(terms, candidate.term)
	}
	return terms
}

// ApplyTags replaces the letter's feeling and tone terms.
func ApplyTags(ctx context.Context, terms storage.TermStore, letterID int64, tags Tags) error {
	assign := func(taxonomy string, names []string) error {
		ids := make([]int64, 0, len(names))
		for _, name := range names {
			id, err := terms.FindOrCreateTerm(ctx, taxonomy, name)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return terms.SetEntityTerms(ctx, letterID, taxonomy, ids)
	}
	if err := assign(letters.TaxonomyFeeling, tags.Feelings); err != nil {
		return err
	}
	return assign(letters.TaxonomyTone, tags.Tones)
}
