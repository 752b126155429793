package moderation

import (
	"math"
	"regexp"
	"strings"

	"github.com/reasonstostay/letterflow/internal/letters"
)

type SafetyFlag string

const (
	FlagSpam                 SafetyFlag = "spam"
	FlagSuspiciousLinks      SafetyFlag = "suspicious_links"
	FlagMaliciousCode        SafetyFlag = "malicious_code"
	FlagAbusiveLanguage      SafetyFlag = "abusive_language"
	FlagEncouragement        SafetyFlag = "encouragement"
	FlagHarmfulEncouragement SafetyFlag = "harmful_encouragement"
	FlagMethodDetail         SafetyFlag = "method_detail"
	FlagImminentTiming       SafetyFlag = "imminent_timing"
)

const (
	defaultReviewThreshold        = 8
	defaultTrustedReviewThreshold = 12
	minLearnedWeightFactor        = 0.35
	maxLearnedWeightFactor        = 2.5
)

type SafetyResult struct {
	Pass            bool         `json:"pass"`
	Flags           []SafetyFlag `json:"flags"`
	Score           float64      `json:"score"`
	HardBlock       bool         `json:"hard_block"`
	SoftFlag        bool         `json:"soft_flag"`
	ReviewThreshold float64      `json:"review_threshold"`
	Trusted         bool         `json:"trusted_import_mode"`
	Downgraded      bool         `json:"reflective_downgrade,omitempty"`
}

func (r SafetyResult) Tier() letters.SafetyTier {
	switch {
	case r.HardBlock:
		return letters.SafetyHardBlock
	case r.SoftFlag:
		return letters.SafetySoftFlag
	default:
		return letters.SafetyClear
	}
}

// ScanSafety scores content against the rules. weights may be nil.
func ScanSafety(content string, rules *Rules, weights map[SafetyFlag]float64, trusted bool) SafetyResult {
	text := strings.ToLower(content)
	result := SafetyResult{Flags: []SafetyFlag{}, Trusted: trusted, ReviewThreshold: rules.ReviewThreshold}
	if trusted {
		result.ReviewThreshold = rules.TrustedReviewThreshold
	}

	// Harm-encouragement matches inside a first-person reflective span are disclosures,
	// not encouragement; only those spans are dropped.
	reflective := matchSpans(rules.Reflective, text)

	hardBlocking := map[SafetyFlag]bool{}
	applied := map[SafetyFlag]float64{}
	for _, rule := range rules.Flags {
		matched := false
		if rule.Flag == FlagHarmfulEncouragement {
			var dropped bool
			matched, dropped = matchesOutside(rule.Patterns, text, reflective)
			if dropped && !matched {
				result.Downgraded = true
			}
		} else {
			matched = matchesAny(rule.Patterns, text)
		}
		if !matched {
			continue
		}
		weight := effectiveWeight(rule.Weight, weights[rule.Flag])
		if _, seen := applied[rule.Flag]; !seen {
			result.Flags = append(result.Flags, rule.Flag)
		}
		applied[rule.Flag] += weight
		result.Score += weight
		if rule.HardBlock {
			hardBlocking[rule.Flag] = true
		}
	}

	for _, reducer := range rules.Reducers {
		if matchesAny(reducer.Patterns, text) {
			result.Score -= reducer.Weight
		}
	}
	if result.Score < 0 {
		result.Score = 0
	}
	result.Score = math.Round(result.Score*100) / 100

	for _, flag := range result.Flags {
		if hardBlocking[flag] {
			result.HardBlock = true
			break
		}
	}
	result.SoftFlag = !result.HardBlock && result.Score >= result.ReviewThreshold
	result.Pass = !(result.HardBlock || result.SoftFlag)
	return result
}

// effectiveWeight keeps a learned weight within a fixed band around the base weight.
func effectiveWeight(base, learned float64) float64 {
	if learned <= 0 || math.IsNaN(learned) || math.IsInf(learned, 0) {
		return base
	}
	return math.Min(math.Max(learned, base*minLearnedWeightFactor), base*maxLearnedWeightFactor)
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re != nil && re.MatchString(text) {
			return true
		}
	}
	return false
}

// matchSpans returns the byte ranges of every match of patterns in text.
func matchSpans(patterns []*regexp.Regexp, text string) [][]int {
	var spans [][]int
	for _, re := range patterns {
		if re != nil {
			spans = append(spans, re.FindAllStringIndex(text, -1)...)
		}
	}
	return spans
}

// matchesOutside reports whether any match lies outside the excluded spans, and whether
// some match was dropped because it lay inside one.
func matchesOutside(patterns []*regexp.Regexp, text string, excluded [][]int) (matched, dropped bool) {
	for _, loc := range matchSpans(patterns, text) {
		if withinAny(loc, excluded) {
			dropped = true
			continue
		}
		matched = true
	}
	return matched, dropped
}

func withinAny(loc []int, spans [][]int) bool {
	for _, span := range spans {
		if loc[0] >= span[0] && loc[1] <= span[1] {
			return true
		}
	}
	return false
}
