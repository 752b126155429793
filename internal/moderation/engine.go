package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
	"github.com/reasonstostay/letterflow/internal/telemetry"
)

const (
	defaultLockTTL    = 5 * time.Minute
	defaultStaleAfter = 10 * time.Minute
	defaultSlowAfter  = 2 * time.Second
)

type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomePendingReview Outcome = "pending_review"
	OutcomeQuarantined   Outcome = "quarantined"
	OutcomeSystemError   Outcome = "system_error"
)

// CountsPurger drops cached aggregate counts after a letter changes stage.
type CountsPurger interface {
	PurgeCounts()
}

type Options struct {
	Store       storage.Store
	Rules       *RulesProvider
	Weights     LearnedWeightProvider
	IPChecker   *IPChecker
	Diagnostics diagnostics.Recorder
	Counts      CountsPurger
	Reporter    telemetry.Reporter
	Logger      *zap.Logger
	Now         func() time.Time
	LockTTL     time.Duration
	StaleAfter  time.Duration
	SlowAfter   time.Duration
}

// Engine moderates one letter per call. It is safe for concurrent use; a per-letter lock
// in the transient store keeps two runs off the same letter.
type Engine struct {
	store      storage.Store
	rules      *RulesProvider
	weights    LearnedWeightProvider
	ipChecker  *IPChecker
	diag       diagnostics.Recorder
	counts     CountsPurger
	reporter   telemetry.Reporter
	logger     *zap.Logger
	now        func() time.Time
	lockTTL    time.Duration
	staleAfter time.Duration
	slowAfter  time.Duration
}

type Result struct {
	LetterID   int64         `json:"letter_id"`
	Outcome    Outcome       `json:"outcome"`
	Stage      letters.Stage `json:"stage,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Decision   *Decision     `json:"decision,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("moderation engine requires a store")
	}
	e := &Engine{
		store:      opts.Store,
		rules:      opts.Rules,
		weights:    opts.Weights,
		ipChecker:  opts.IPChecker,
		diag:       opts.Diagnostics,
		counts:     opts.Counts,
		reporter:   opts.Reporter,
		logger:     opts.Logger,
		now:        opts.Now,
		lockTTL:    opts.LockTTL,
		staleAfter: opts.StaleAfter,
		slowAfter:  opts.SlowAfter,
	}
	if e.rules == nil {
		e.rules = StaticRules(DefaultRules())
	}
	if e.weights == nil {
		e.weights = NoopWeights{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.ipChecker == nil {
		e.ipChecker = NewIPChecker(opts.Store, nil, e.now)
	}
	if e.diag == nil {
		e.diag = diagnostics.Nop{}
	}
	if e.reporter == nil {
		e.reporter = telemetry.NopReporter{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = defaultLockTTL
	}
	if e.staleAfter <= 0 {
		e.staleAfter = defaultStaleAfter
	}
	if e.slowAfter <= 0 {
		e.slowAfter = defaultSlowAfter
	}
	return e, nil
}

func (e *Engine) Store() storage.Store {
	return e.store
}

func letterLockKey(id int64) string {
	return "letter_lock:" + strconv.FormatInt(id, 10)
}

// ProcessLetter runs the moderation pipeline. Guards that reject the letter return a
// skipped Result. Pipeline failures quarantine the letter and are not returned; the error
// is only for store failures before the letter was claimed.
func (e *Engine) ProcessLetter(ctx context.Context, id int64, force bool) (result Result, err error) {
	result = Result{LetterID: id, Outcome: OutcomeSkipped}

	letter, err := e.store.GetLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		result.SkipReason = "missing"
		return e.skipped(result), nil
	}
	if err != nil {
		return result, err
	}
	if letter.Trashed() {
		result.SkipReason = "trashed"
		return e.skipped(result), nil
	}
	if letter.Type != letters.PostType {
		result.SkipReason = "not_a_letter"
		return e.skipped(result), nil
	}

	stage, err := e.currentStage(ctx, id)
	if err != nil {
		return result, err
	}
	result.Stage = stage
	switch stage {
	case letters.StageUnprocessed:
	case letters.StageQuarantined:
		if !force {
			result.SkipReason = "quarantined_requires_force"
			return e.skipped(result), nil
		}
	case letters.StageProcessing:
		stale, err := e.isStale(ctx, id)
		if err != nil {
			return result, err
		}
		if !force || !stale {
			result.SkipReason = "in_progress"
			return e.skipped(result), nil
		}
		if err := e.setStage(ctx, id, letters.StageUnprocessed); err != nil {
			return result, err
		}
		e.diag.Record(ctx, diagnostics.EventStaleReset, map[string]any{"letter_id": id})
	default:
		result.SkipReason = "stage_" + string(stage)
		e.logger.Info("letter not processable in its stage",
			zap.Int64("letter_id", id),
			zap.String("stage", string(stage)),
			zap.Bool("force", force),
		)
		return e.skipped(result), nil
	}

	acquired, err := e.store.AddTransient(ctx, letterLockKey(id), "1", e.lockTTL)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.SkipReason = "locked"
		return e.skipped(result), nil
	}

	started := e.now()
	// Cleanup must run even when the caller's context is already cancelled.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		elapsed := e.now().Sub(started)
		result.Duration = elapsed
		e.finish(cleanupCtx, id, elapsed, result.Outcome)
	}()
	defer func() {
		if r := recover(); r != nil {
			e.failClosed(cleanupCtx, id, &ProcessingError{LetterID: id, Step: "panic", Err: fmt.Errorf("%v", r)})
			result.Outcome = OutcomeSystemError
			result.Stage = letters.StageQuarantined
			result.Decision = nil
			err = nil
		}
	}()

	if err := e.claim(ctx, id, started); err != nil {
		e.failClosed(cleanupCtx, id, &ProcessingError{LetterID: id, Step: "claim", Err: err})
		result.Outcome = OutcomeSystemError
		result.Stage = letters.StageQuarantined
		return result, nil
	}

	decision, err := e.runPipeline(ctx, letter)
	if err == nil {
		err = e.apply(ctx, letter, decision)
	}
	if err != nil {
		e.failClosed(cleanupCtx, id, err)
		result.Outcome = OutcomeSystemError
		result.Stage = letters.StageQuarantined
		return result, nil
	}
	result.Decision = &decision
	result.Stage = decision.Stage
	if decision.Pass {
		result.Outcome = OutcomePendingReview
	} else {
		result.Outcome = OutcomeQuarantined
	}
	return result, nil
}

func (e *Engine) skipped(result Result) Result {
	lettersProcessed.WithLabelValues(string(OutcomeSkipped)).Inc()
	e.logger.Debug("letter skipped", zap.Int64("letter_id", result.LetterID), zap.String("reason", result.SkipReason))
	return result
}

func (e *Engine) currentStage(ctx context.Context, id int64) (letters.Stage, error) {
	raw, ok, err := e.store.GetMeta(ctx, id, letters.MetaStage)
	if err != nil {
		return "", err
	}
	if !ok || raw == "" {
		return letters.StageUnprocessed, nil
	}
	return letters.Stage(raw), nil
}

// isStale reports whether a processing claim is older than the stale threshold. A claim
// without a timestamp is stale.
func (e *Engine) isStale(ctx context.Context, id int64) (bool, error) {
	raw, ok, err := e.store.GetMeta(ctx, id, letters.MetaProcessingStarted)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	startedAt, valid := letters.ParseTime(raw)
	if !valid {
		return true, nil
	}
	return e.now().Sub(startedAt) > e.staleAfter, nil
}

func (e *Engine) setStage(ctx context.Context, id int64, stage letters.Stage) error {
	if err := e.store.SetMeta(ctx, id, letters.MetaStage, string(stage)); err != nil {
		return err
	}
	return e.store.SetMeta(ctx, id, letters.MetaStageChangedAt, letters.FormatTime(e.now()))
}

func (e *Engine) claim(ctx context.Context, id int64, started time.Time) error {
	if err := e.store.SetMeta(ctx, id, letters.MetaProcessingStarted, letters.FormatTime(started)); err != nil {
		return err
	}
	return e.setStage(ctx, id, letters.StageProcessing)
}

func (e *Engine) trustedImport(ctx context.Context, id int64) (bool, error) {
	raw, _, err := e.store.GetOption(ctx, letters.OptionTrustedImport)
	if err != nil || !letters.ParseBool(raw) {
		return false, err
	}
	hash, ok, err := e.store.GetMeta(ctx, id, letters.MetaImportHash)
	if err != nil {
		return false, err
	}
	return ok && hash != "", nil
}

func (e *Engine) runPipeline(ctx context.Context, letter letters.Letter) (Decision, error) {
	id := letter.ID
	fail := func(step string, err error) (Decision, error) {
		return Decision{}, &ProcessingError{LetterID: id, Step: step, Err: err}
	}

	trusted, err := e.trustedImport(ctx, id)
	if err != nil {
		return fail("trusted_import", err)
	}
	rules := e.rules.Current()
	text := plainScanText(letter.Content)

	safety := ScanSafety(markupScanText(letter.Content), rules, e.weights.Weights(ctx), trusted)
	ip, err := e.ipChecker.Check(ctx, id)
	if err != nil {
		return fail("ip_check", err)
	}
	configured := defaultQualityThreshold
	if raw, ok, err := e.store.GetOption(ctx, letters.OptionQualityMinScore); err != nil {
		return fail("quality_threshold", err)
	} else if ok {
		configured = letters.ParseInt(raw, defaultQualityThreshold)
	}
	quality := ScoreQuality(text, QualityThreshold(configured, trusted))

	tags := SelectTags(text, rules)
	if err := ApplyTags(ctx, e.store, id, tags); err != nil {
		e.logger.Warn("auto-tagging failed", zap.Int64("letter_id", id), zap.Error(err))
	}

	if err := e.recordScans(ctx, id, safety, ip, quality); err != nil {
		return fail("record_scans", err)
	}
	override, _, err := e.store.GetMeta(ctx, id, letters.MetaAdminOverride)
	if err != nil {
		return fail("admin_override", err)
	}
	return Decide(DecisionInput{
		Safety:        safety,
		IP:            ip,
		Quality:       quality,
		AdminOverride: letters.ParseBool(override),
		Trusted:       trusted,
	}), nil
}

func (e *Engine) recordScans(ctx context.Context, id int64, safety SafetyResult, ip IPResult, quality QualityResult) error {
	flags, err := json.Marshal(safety.Flags)
	if err != nil {
		return err
	}
	notes, err := json.Marshal(quality.Notes)
	if err != nil {
		return err
	}
	ipCheck, err := json.Marshal(ip)
	if err != nil {
		return err
	}
	values := []struct{ key, value string }{
		{letters.MetaSafetyPass, letters.BoolString(safety.Pass)},
		{letters.MetaSafetyTier, string(safety.Tier())},
		{letters.MetaSafetyScore, strconv.FormatFloat(safety.Score, 'f', -1, 64)},
		{letters.MetaFlaggedKeywords, string(flags)},
		{letters.MetaQualityScore, strconv.Itoa(quality.Score)},
		{letters.MetaQualityNotes, string(notes)},
		{letters.MetaIPCheck, string(ipCheck)},
	}
	for _, v := range values {
		if err := e.store.SetMeta(ctx, id, v.key, v.value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, letter letters.Letter, decision Decision) error {
	id := letter.ID
	if decision.Pass {
		normalized := Normalize(letter.Content, letter.Title)
		if normalized.Changed {
			if err := e.store.UpdateLetterContent(ctx, id, normalized.Content, letters.OriginEngine); err != nil {
				return &ProcessingError{LetterID: id, Step: "normalize", Err: err}
			}
		}
		if normalized.OpenerAdded {
			if err := e.store.SetMeta(ctx, id, letters.MetaOpenerAdded, "1"); err != nil {
				return &ProcessingError{LetterID: id, Step: "normalize", Err: err}
			}
		}
		for _, key := range []string{
			letters.MetaNeedsReview,
			letters.MetaQuarantineTier,
			letters.MetaFlagReasons,
			letters.MetaModerationReasons,
			letters.MetaSystemError,
			letters.MetaAdminOverride,
		} {
			if err := e.store.DeleteMeta(ctx, id, key); err != nil {
				return &ProcessingError{LetterID: id, Step: "clear_quarantine", Err: err}
			}
		}
		if err := e.store.SetMeta(ctx, id, letters.MetaModerationStatus, letters.ModerationPassed); err != nil {
			return &ProcessingError{LetterID: id, Step: "stage", Err: err}
		}
		if err := e.setStage(ctx, id, letters.StagePendingReview); err != nil {
			return &ProcessingError{LetterID: id, Step: "stage", Err: err}
		}
		e.diag.Record(ctx, diagnostics.EventLetterPassed, map[string]any{"letter_id": id})
		return nil
	}

	reasons, err := json.Marshal(decision.Reasons)
	if err != nil {
		return &ProcessingError{LetterID: id, Step: "quarantine", Err: err}
	}
	values := []struct{ key, value string }{
		{letters.MetaNeedsReview, "1"},
		{letters.MetaQuarantineTier, string(decision.Tier)},
		{letters.MetaFlagReasons, string(reasons)},
		{letters.MetaModerationReasons, string(reasons)},
		{letters.MetaModerationStatus, letters.ModerationQuarantined},
	}
	for _, v := range values {
		if err := e.store.SetMeta(ctx, id, v.key, v.value); err != nil {
			return &ProcessingError{LetterID: id, Step: "quarantine", Err: err}
		}
	}
	if err := e.setStage(ctx, id, letters.StageQuarantined); err != nil {
		return &ProcessingError{LetterID: id, Step: "stage", Err: err}
	}
	e.diag.Record(ctx, diagnostics.EventLetterQuarantined, map[string]any{
		"letter_id": id,
		"tier":      string(decision.Tier),
		"reasons":   decision.Reasons,
	})
	return nil
}

// failClosed quarantines the letter after an unexpected failure. Each write is attempted
// even if an earlier one fails.
func (e *Engine) failClosed(ctx context.Context, id int64, cause error) {
	message := SanitizeError(cause)
	e.logger.Error("letter processing failed", zap.Int64("letter_id", id), zap.Error(cause))
	e.reporter.CaptureError(cause, map[string]string{"letter_id": strconv.FormatInt(id, 10)})

	reasons, _ := json.Marshal([]ReasonCode{ReasonSystemError})
	writes := []struct{ key, value string }{
		{letters.MetaSystemError, message},
		{letters.MetaNeedsReview, "1"},
		{letters.MetaModerationStatus, letters.ModerationSystemError},
		{letters.MetaQuarantineTier, string(letters.QuarantineSystemError)},
		{letters.MetaModerationReasons, string(reasons)},
		{letters.MetaStage, string(letters.StageQuarantined)},
		{letters.MetaStageChangedAt, letters.FormatTime(e.now())},
	}
	for _, w := range writes {
		if err := e.store.SetMeta(ctx, id, w.key, w.value); err != nil {
			e.logger.Error("fail-closed write failed",
				zap.Int64("letter_id", id),
				zap.String("key", w.key),
				zap.Error(err),
			)
		}
	}
	e.diag.Record(ctx, diagnostics.EventSystemError, map[string]any{"letter_id": id, "error": message})
}

func (e *Engine) finish(ctx context.Context, id int64, elapsed time.Duration, outcome Outcome) {
	ms := elapsed.Milliseconds()
	if err := e.store.SetMeta(ctx, id, letters.MetaProcessingTimeMS, strconv.FormatInt(ms, 10)); err != nil {
		e.logger.Warn("record processing time failed", zap.Int64("letter_id", id), zap.Error(err))
	}
	if err := e.store.SetMeta(ctx, id, letters.MetaProcessingLast, letters.FormatTime(e.now())); err != nil {
		e.logger.Warn("record processing time failed", zap.Int64("letter_id", id), zap.Error(err))
	}
	if elapsed > e.slowAfter {
		e.diag.Record(ctx, diagnostics.EventSlowProcessing, map[string]any{"letter_id": id, "ms": ms})
	}
	if err := e.store.DeleteTransient(ctx, letterLockKey(id)); err != nil {
		e.logger.Warn("release letter lock failed", zap.Int64("letter_id", id), zap.Error(err))
	}
	if e.counts != nil {
		e.counts.PurgeCounts()
	}
	lettersProcessed.WithLabelValues(string(outcome)).Inc()
	processingSeconds.Observe(elapsed.Seconds())
}

// markupScanText keeps the markup so injected tags are still visible to the safety rules.
func markupScanText(content string) string {
	return norm.NFC.String(html.UnescapeString(content))
}

func plainScanText(content string) string {
	return norm.NFC.String(PlainText(content))
}
