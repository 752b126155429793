package moderation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reasonstostay/letterflow/internal/letters"
)

// ReasonCode is a machine-readable quarantine reason such as "safety:spam" or "quality:score_12".
type ReasonCode string

const ReasonSystemError ReasonCode = "system:error"

func SafetyReason(flag SafetyFlag) ReasonCode {
	return ReasonCode("safety:" + string(flag))
}

func QualityScoreReason(score int) ReasonCode {
	return ReasonCode(fmt.Sprintf("quality:score_%d", score))
}

func QualityNoteReason(note string) ReasonCode {
	return ReasonCode("quality:" + note)
}

type DecisionInput struct {
	Safety        SafetyResult
	IP            IPResult
	Quality       QualityResult
	AdminOverride bool
	Trusted       bool
}

type Decision struct {
	Stage   letters.Stage          `json:"stage"`
	Pass    bool                   `json:"pass"`
	Tier    letters.QuarantineTier `json:"tier,omitempty"`
	Reasons []ReasonCode           `json:"reasons,omitempty"`
}

// Decide maps scan results to the next stage. Only a hard safety block or a failed quality
// gate can quarantine; soft flags and IP results never do. Passing letters go to review,
// never straight to published.
func Decide(in DecisionInput) Decision {
	safetyPassForStage := in.Safety.Pass || !in.Safety.HardBlock
	qualityBlocksStage := !in.Quality.Pass && !in.Trusted
	allPass := (safetyPassForStage || in.AdminOverride) && !qualityBlocksStage
	if allPass {
		return Decision{Stage: letters.StagePendingReview, Pass: true}
	}

	hardBlocked := in.Safety.HardBlock && !in.AdminOverride
	return Decision{
		Stage:   letters.StageQuarantined,
		Tier:    quarantineTier(hardBlocked, qualityBlocksStage, in.Safety.SoftFlag),
		Reasons: quarantineReasons(in, qualityBlocksStage),
	}
}

// quarantineTier ranks hard_block over quality_block over soft_flag.
func quarantineTier(hardBlocked, qualityBlocked, softFlagged bool) letters.QuarantineTier {
	switch {
	case hardBlocked:
		return letters.QuarantineHardBlock
	case qualityBlocked:
		return letters.QuarantineQualityBlock
	case softFlagged:
		return letters.QuarantineSoftFlag
	default:
		return letters.QuarantineNone
	}
}

func quarantineReasons(in DecisionInput, qualityBlocked bool) []ReasonCode {
	seen := map[ReasonCode]bool{}
	reasons := make([]ReasonCode, 0, len(in.Safety.Flags)+len(in.Quality.Notes)+1)
	add := func(code ReasonCode) {
		if !seen[code] {
			seen[code] = true
			reasons = append(reasons, code)
		}
	}
	for _, flag := range in.Safety.Flags {
		add(SafetyReason(flag))
	}
	if qualityBlocked {
		add(QualityScoreReason(in.Quality.Score))
		for _, note := range in.Quality.Notes {
			add(QualityNoteReason(note))
		}
	}
	return reasons
}

var reasonPhrases = map[ReasonCode]string{
	SafetyReason(FlagSpam):                 "Looks like spam or promotion",
	SafetyReason(FlagSuspiciousLinks):      "Contains a suspicious link",
	SafetyReason(FlagMaliciousCode):        "Contains code or markup",
	SafetyReason(FlagAbusiveLanguage):      "Abusive language",
	SafetyReason(FlagEncouragement):        "Encourages self-harm",
	SafetyReason(FlagHarmfulEncouragement): "Harmful encouragement",
	SafetyReason(FlagMethodDetail):         "Mentions methods or dosages",
	SafetyReason(FlagImminentTiming):       "Suggests imminent risk",
	QualityNoteReason(NoteShort):           "Letter is short",
	QualityNoteReason(NoteVeryShort):       "Letter is very short",
	QualityNoteReason(NoteLowWords):        "Very few words",
	ReasonSystemError:                      "Processing error, needs a manual check",
}

// TranslateReason returns the reviewer-facing phrase for a reason code.
func TranslateReason(code ReasonCode) string {
	if phrase, ok := reasonPhrases[code]; ok {
		return phrase
	}
	raw := string(code)
	if score, ok := strings.CutPrefix(raw, "quality:score_"); ok {
		if n, err := strconv.Atoi(score); err == nil {
			return fmt.Sprintf("Quality score: %d/100", n)
		}
	}
	if flag, ok := strings.CutPrefix(raw, "safety:"); ok {
		return "Safety flag: " + strings.ReplaceAll(flag, "_", " ")
	}
	return raw
}

func TranslateReasons(codes []ReasonCode) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, TranslateReason(code))
	}
	return out
}
