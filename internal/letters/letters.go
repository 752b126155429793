package letters

import (
	"strconv"
	"strings"
	"time"
)

const PostType = "letter"

type Stage string

const (
	StageUnprocessed   Stage = "unprocessed"
	StageProcessing    Stage = "processing"
	StagePendingReview Stage = "pending_review"
	StageQuarantined   Stage = "quarantined"
	StagePublished     Stage = "published"
)

var AllStages = []Stage{StageUnprocessed, StageProcessing, StagePendingReview, StageQuarantined, StagePublished}

func ParseStage(raw string) (Stage, bool) {
	stage := Stage(strings.ToLower(strings.TrimSpace(raw)))
	switch stage {
	case StageUnprocessed, StageProcessing, StagePendingReview, StageQuarantined, StagePublished:
		return stage, true
	default:
		return "", false
	}
}

func (s Stage) Valid() bool {
	_, ok := ParseStage(string(s))
	return ok
}

type SafetyTier string

const (
	SafetyClear     SafetyTier = "clear"
	SafetySoftFlag  SafetyTier = "soft_flag"
	SafetyHardBlock SafetyTier = "hard_block"
)

type QuarantineTier string

const (
	QuarantineNone         QuarantineTier = ""
	QuarantineHardBlock    QuarantineTier = "hard_block"
	QuarantineQualityBlock QuarantineTier = "quality_block"
	QuarantineSoftFlag     QuarantineTier = "soft_flag"
	QuarantineSystemError  QuarantineTier = "system_error"
)

// Status is the publication status owned by the content store, independent of the workflow stage.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusPending Status = "pending"
	StatusPublish Status = "publish"
	StatusTrash   Status = "trash"
)

type Letter struct {
	ID        int64     `json:"id" db:"id"`
	Type      string    `json:"type" db:"post_type"`
	Title     string    `json:"title" db:"title"`
	Content   string    `json:"content" db:"content"`
	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

func (l Letter) Trashed() bool {
	return l.Status == StatusTrash
}

// WriteOrigin tags content writes so save hooks can ignore writes made by the engine itself.
type WriteOrigin string

const (
	OriginSubmission WriteOrigin = "submission"
	OriginImport     WriteOrigin = "import"
	OriginAdmin      WriteOrigin = "admin"
	OriginEngine     WriteOrigin = "engine"
)

const (
	MetaStage             = "workflow_stage"
	MetaStageChangedAt    = "workflow_stage_changed_at"
	MetaQualityScore      = "quality_score"
	MetaQualityNotes      = "quality_notes"
	MetaSafetyPass        = "safety_pass"
	MetaSafetyTier        = "safety_tier"
	MetaSafetyScore       = "safety_score"
	MetaFlaggedKeywords   = "flagged_keywords"
	MetaFlagReasons       = "flag_reasons"
	MetaModerationReasons = "moderation_reasons"
	MetaModerationStatus  = "moderation_status"
	MetaQuarantineTier    = "quarantine_tier"
	MetaNeedsReview       = "needs_review"
	MetaSubmissionIP      = "submission_ip"
	MetaSubmissionIPHash  = "submission_ip_hash"
	MetaIPCheck           = "ip_check"
	MetaAdminOverride     = "admin_override"
	MetaProcessingStarted = "processing_started"
	MetaProcessingLast    = "processing_last"
	MetaProcessingTimeMS  = "processing_time_ms"
	MetaSystemError       = "system_error"
	MetaHidden            = "hidden"
	MetaDeletedAt         = "deleted_at"
	MetaDeletedReason     = "deleted_reason"
	MetaDeletedStatus     = "deleted_previous_status"
	MetaImportHash        = "import_content_hash"
	MetaImportJobID       = "import_job_id"
	MetaImportTitle       = "import_original_title"
	MetaImportRecord      = "import_record"
	MetaOpenerAdded       = "opener_added"
)

const (
	ModerationPassed      = "passed"
	ModerationQuarantined = "quarantined"
	ModerationSystemError = "system_error"
	ModerationApproved    = "approved"
)

// Option keys shared by the moderation core.
const (
	OptionTrustedImport        = "trusted_import"
	OptionQualityMinScore      = "quality_min_score"
	OptionIPDailyThreshold     = "ip_daily_threshold"
	OptionLearnedSafetyWeights = "learned_safety_weights"
	OptionIPHashSalt           = "ip_hash_salt"
	OptionScanSettings         = "scan_settings"
	OptionTurboState           = "scan_turbo_state"
	OptionImportJobStatus      = "import_job_status"
	OptionAnalyticsSnapshot    = "analytics_snapshot"
	OptionDiagnosticsLog       = "scan_diagnostics_log"
	OptionDiagnosticsState     = "scan_diagnostics_state"
)

const (
	TaxonomyFeeling = "letter_feeling"
	TaxonomyTone    = "letter_tone"
)

func BoolString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ParseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), true
	}
	return time.Time{}, false
}
