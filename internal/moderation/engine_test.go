package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/iputil"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const goodLetter = "Dear stranger, I know the days feel heavy and the nights are long. " +
	"I have been there too, and I want you to know that things can change. " +
	"Take your time, breathe slowly, and let someone you trust sit with you. " +
	"You matter more than you can see from where you are standing."

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPurger) PurgeCounts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
}

func (p *countingPurger) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type capturingReporter struct {
	mu     sync.Mutex
	errors []error
}

func (r *capturingReporter) CaptureError(err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *capturingReporter) Flush(time.Duration) bool { return true }

// failingStore fails SetMeta for one key.
type failingStore struct {
	*storage.MemoryStore
	failKey string
}

func (s *failingStore) SetMeta(ctx context.Context, id int64, key, value string) error {
	if key == s.failKey {
		return errors.New("write refused: <b>disk full</b>")
	}
	return s.MemoryStore.SetMeta(ctx, id, key, value)
}

type engineFixture struct {
	store    storage.Store
	engine   *Engine
	admin    *Admin
	clock    *testClock
	diag     *diagnostics.Log
	counts   *countingPurger
	reporter *capturingReporter
	hasher   *iputil.Hasher
}

func newEngineFixture(t *testing.T, wrap func(*storage.MemoryStore) storage.Store) *engineFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	memory, err := storage.NewMemoryStoreWithOptions(storage.MemoryStoreOptions{Now: clock.Now})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	var store storage.Store = memory
	if wrap != nil {
		store = wrap(memory)
	}
	hasher, err := iputil.NewHasher("test-salt")
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	f := &engineFixture{
		store:    store,
		clock:    clock,
		diag:     diagnostics.New(memory, diagnostics.Options{Now: clock.Now}),
		counts:   &countingPurger{},
		reporter: &capturingReporter{},
		hasher:   hasher,
	}
	f.engine, err = NewEngine(Options{
		Store:       store,
		Rules:       StaticRules(DefaultRules()),
		IPChecker:   NewIPChecker(store, hasher, clock.Now),
		Diagnostics: f.diag,
		Counts:      f.counts,
		Reporter:    f.reporter,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.admin = NewAdmin(f.engine)
	return f
}

func (f *engineFixture) create(t *testing.T, content string) int64 {
	t.Helper()
	id, err := f.store.CreateLetter(context.Background(), letters.Letter{Title: "Letter", Content: content}, letters.OriginSubmission)
	if err != nil {
		t.Fatalf("create letter: %v", err)
	}
	return id
}

func (f *engineFixture) meta(t *testing.T, id int64, key string) (string, bool) {
	t.Helper()
	value, ok, err := f.store.GetMeta(context.Background(), id, key)
	if err != nil {
		t.Fatalf("get meta %s: %v", key, err)
	}
	return value, ok
}

func (f *engineFixture) stage(t *testing.T, id int64) letters.Stage {
	t.Helper()
	value, _ := f.meta(t, id, letters.MetaStage)
	return letters.Stage(value)
}

func (f *engineFixture) events(t *testing.T) []string {
	t.Helper()
	entries, err := f.diag.Entries(context.Background(), 0)
	if err != nil {
		t.Fatalf("diagnostics entries: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Event)
	}
	return out
}

func containsEvent(events []string, want string) bool {
	for _, event := range events {
		if event == want {
			return true
		}
	}
	return false
}

func TestProcessLetterPassesToPendingReview(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)

	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomePendingReview || result.Stage != letters.StagePendingReview {
		t.Fatalf("expected pending_review, got %+v", result)
	}
	if got := f.stage(t, id); got != letters.StagePendingReview {
		t.Fatalf("expected stored stage pending_review, got %s", got)
	}
	if _, ok := f.meta(t, id, letters.MetaNeedsReview); ok {
		t.Fatalf("needs_review must be absent after a pass")
	}
	if status, _ := f.meta(t, id, letters.MetaModerationStatus); status != letters.ModerationPassed {
		t.Fatalf("expected moderation status passed, got %q", status)
	}
	letter, _ := f.store.GetLetter(ctx, id)
	if !strings.Contains(letter.Content, letterFormatMarker) {
		t.Fatalf("expected normalized content, got %q", letter.Content)
	}
	if letter.Status != letters.StatusPending {
		t.Fatalf("passing moderation must not publish, got status %s", letter.Status)
	}
	if _, locked, _ := f.store.GetTransient(ctx, letterLockKey(id)); locked {
		t.Fatalf("letter lock was not released")
	}
	if f.counts.Calls() != 1 {
		t.Fatalf("expected counts purged once, got %d", f.counts.Calls())
	}
	if !containsEvent(f.events(t), diagnostics.EventLetterPassed) {
		t.Fatalf("expected letter_passed diagnostic, got %v", f.events(t))
	}
	for _, key := range []string{letters.MetaQualityScore, letters.MetaSafetyTier, letters.MetaProcessingTimeMS, letters.MetaProcessingLast} {
		if _, ok := f.meta(t, id, key); !ok {
			t.Fatalf("expected %s to be recorded", key)
		}
	}
}

func TestProcessLetterHardBlockQuarantines(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	content := "you should kill yourself, nobody will miss you"
	id := f.create(t, content)

	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomeQuarantined || f.stage(t, id) != letters.StageQuarantined {
		t.Fatalf("expected quarantine, got %+v", result)
	}
	if needs, _ := f.meta(t, id, letters.MetaNeedsReview); needs != "1" {
		t.Fatalf("expected needs_review=1, got %q", needs)
	}
	if tier, _ := f.meta(t, id, letters.MetaQuarantineTier); tier != string(letters.QuarantineHardBlock) {
		t.Fatalf("expected hard_block tier, got %q", tier)
	}
	raw, _ := f.meta(t, id, letters.MetaModerationReasons)
	var reasons []ReasonCode
	if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
		t.Fatalf("decode reasons: %v", err)
	}
	found := false
	for _, reason := range reasons {
		if reason == SafetyReason(FlagEncouragement) || reason == SafetyReason(FlagHarmfulEncouragement) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an encouragement reason, got %v", reasons)
	}
	letter, _ := f.store.GetLetter(ctx, id)
	if letter.Content != content {
		t.Fatalf("quarantined letters keep their original content")
	}
	if !containsEvent(f.events(t), diagnostics.EventLetterQuarantined) {
		t.Fatalf("expected letter_quarantined diagnostic")
	}

	again, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if again.Outcome != OutcomeSkipped || again.SkipReason != "quarantined_requires_force" {
		t.Fatalf("expected quarantined letter to be skipped without force, got %+v", again)
	}
}

func TestProcessLetterReflectiveSentenceDoesNotHideDirectedHarm(t *testing.T) {
	f := newEngineFixture(t, nil)
	id := f.create(t, goodLetter+" There were nights when I cried. You deserve to die.")

	result, err := f.engine.ProcessLetter(context.Background(), id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomeQuarantined || f.stage(t, id) != letters.StageQuarantined {
		t.Fatalf("expected quarantine, got %+v", result)
	}
	if tier, _ := f.meta(t, id, letters.MetaQuarantineTier); tier != string(letters.QuarantineHardBlock) {
		t.Fatalf("expected hard_block tier, got %q", tier)
	}
}

func TestProcessLetterLowQualityQuarantines(t *testing.T) {
	f := newEngineFixture(t, nil)
	id := f.create(t, "hello")
	result, err := f.engine.ProcessLetter(context.Background(), id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Decision == nil || result.Decision.Tier != letters.QuarantineQualityBlock {
		t.Fatalf("expected quality block, got %+v", result)
	}
}

func TestProcessLetterTrustedImportRelaxesQuality(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "Dear stranger, you matter a lot to us.")
	if err := f.store.SetOption(ctx, letters.OptionTrustedImport, "1"); err != nil {
		t.Fatalf("set option: %v", err)
	}
	if err := f.store.SetMeta(ctx, id, letters.MetaImportHash, "abc"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomePendingReview {
		t.Fatalf("expected trusted import to bypass the quality gate, got %+v", result)
	}
}

func TestProcessLetterIPLockAloneNeverQuarantines(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)
	ip := "203.0.113.9"
	if err := f.store.SetMeta(ctx, id, letters.MetaSubmissionIP, ip); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := f.store.SetTransient(ctx, ipLockKey(f.hasher.Hash(ip)), "1", time.Minute); err != nil {
		t.Fatalf("set transient: %v", err)
	}

	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomePendingReview {
		t.Fatalf("expected pending_review despite IP lock, got %+v", result)
	}
	if _, ok := f.meta(t, id, letters.MetaNeedsReview); ok {
		t.Fatalf("IP lock alone must not set needs_review")
	}
	check, _ := f.meta(t, id, letters.MetaIPCheck)
	if !strings.Contains(check, IPReasonLocked) {
		t.Fatalf("expected ip_locked recorded, got %q", check)
	}
}

func TestProcessLetterRateLimitedIPStillReachesReview(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	if err := f.store.SetOption(ctx, letters.OptionIPDailyThreshold, "2"); err != nil {
		t.Fatalf("set option: %v", err)
	}
	var last Result
	var lastID int64
	for i := 0; i < 3; i++ {
		lastID = f.create(t, goodLetter)
		if err := f.store.SetMeta(ctx, lastID, letters.MetaSubmissionIP, "198.51.100.4"); err != nil {
			t.Fatalf("set meta: %v", err)
		}
		var err error
		last, err = f.engine.ProcessLetter(ctx, lastID, false)
		if err != nil {
			t.Fatalf("process letter %d: %v", i, err)
		}
	}
	if last.Outcome != OutcomePendingReview {
		t.Fatalf("expected third letter to reach review, got %+v", last)
	}
	raw, _ := f.meta(t, lastID, letters.MetaIPCheck)
	var ip IPResult
	if err := json.Unmarshal([]byte(raw), &ip); err != nil {
		t.Fatalf("decode ip check: %v", err)
	}
	if ip.Pass || ip.Reason != IPReasonRateExceeded || ip.Count != 3 {
		t.Fatalf("expected rate_limit_exceeded with count 3, got %+v", ip)
	}
}

func TestProcessLetterResetsStaleProcessingWhenForced(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)
	_ = f.store.SetMeta(ctx, id, letters.MetaStage, string(letters.StageProcessing))
	_ = f.store.SetMeta(ctx, id, letters.MetaProcessingStarted, letters.FormatTime(f.clock.Now()))

	f.clock.Advance(time.Minute)
	result, _ := f.engine.ProcessLetter(ctx, id, true)
	if result.SkipReason != "in_progress" {
		t.Fatalf("expected a fresh claim to be respected, got %+v", result)
	}

	f.clock.Advance(10 * time.Minute)
	result, _ = f.engine.ProcessLetter(ctx, id, false)
	if result.SkipReason != "in_progress" {
		t.Fatalf("expected stale letter to need force, got %+v", result)
	}
	result, err := f.engine.ProcessLetter(ctx, id, true)
	if err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if result.Outcome != OutcomePendingReview {
		t.Fatalf("expected stale letter to be reprocessed, got %+v", result)
	}
	if !containsEvent(f.events(t), diagnostics.EventStaleReset) {
		t.Fatalf("expected stale reset diagnostic, got %v", f.events(t))
	}
}

func TestProcessLetterSkips(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	result, err := f.engine.ProcessLetter(ctx, 999, false)
	if err != nil || result.SkipReason != "missing" {
		t.Fatalf("expected missing skip, got %+v %v", result, err)
	}

	trashed := f.create(t, goodLetter)
	_ = f.store.TrashLetter(ctx, trashed)
	if result, _ := f.engine.ProcessLetter(ctx, trashed, true); result.SkipReason != "trashed" {
		t.Fatalf("expected trashed skip, got %+v", result)
	}

	page, _ := f.store.CreateLetter(ctx, letters.Letter{Type: "page", Content: goodLetter}, letters.OriginAdmin)
	if result, _ := f.engine.ProcessLetter(ctx, page, false); result.SkipReason != "not_a_letter" {
		t.Fatalf("expected not_a_letter skip, got %+v", result)
	}

	locked := f.create(t, goodLetter)
	_, _ = f.store.AddTransient(ctx, letterLockKey(locked), "1", time.Minute)
	if result, _ := f.engine.ProcessLetter(ctx, locked, false); result.SkipReason != "locked" {
		t.Fatalf("expected locked skip, got %+v", result)
	}
	if f.stage(t, locked) != "" {
		t.Fatalf("locked letter must not be claimed")
	}

	published := f.create(t, goodLetter)
	_ = f.store.SetMeta(ctx, published, letters.MetaStage, string(letters.StagePublished))
	if result, _ := f.engine.ProcessLetter(ctx, published, true); result.SkipReason != "stage_published" {
		t.Fatalf("expected published skip, got %+v", result)
	}
}

func TestProcessLetterFailsClosed(t *testing.T) {
	f := newEngineFixture(t, func(m *storage.MemoryStore) storage.Store {
		return &failingStore{MemoryStore: m, failKey: letters.MetaSafetyPass}
	})
	ctx := context.Background()
	id := f.create(t, goodLetter)

	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("fail-closed path must not return an error: %v", err)
	}
	if result.Outcome != OutcomeSystemError || f.stage(t, id) != letters.StageQuarantined {
		t.Fatalf("expected system error quarantine, got %+v", result)
	}
	if status, _ := f.meta(t, id, letters.MetaModerationStatus); status != letters.ModerationSystemError {
		t.Fatalf("expected system_error status, got %q", status)
	}
	if needs, _ := f.meta(t, id, letters.MetaNeedsReview); needs != "1" {
		t.Fatalf("expected needs_review=1")
	}
	message, _ := f.meta(t, id, letters.MetaSystemError)
	if strings.Contains(message, "<b>") || !strings.Contains(message, "disk full") {
		t.Fatalf("expected sanitized message, got %q", message)
	}
	reasons, _ := f.meta(t, id, letters.MetaModerationReasons)
	if reasons != `["system:error"]` {
		t.Fatalf("expected system reason, got %q", reasons)
	}
	if len(f.reporter.errors) != 1 {
		t.Fatalf("expected one reported error, got %d", len(f.reporter.errors))
	}
	var perr *ProcessingError
	if !errors.As(f.reporter.errors[0], &perr) || perr.Step != "record_scans" {
		t.Fatalf("expected ProcessingError from record_scans, got %v", f.reporter.errors[0])
	}
	if _, locked, _ := f.store.GetTransient(ctx, letterLockKey(id)); locked {
		t.Fatalf("lock must be released after a failure")
	}
	if !containsEvent(f.events(t), diagnostics.EventSystemError) {
		t.Fatalf("expected system_error diagnostic")
	}
}

func TestProcessLetterQuarantinesAfterPanic(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.weights = panickingWeights{}
	ctx := context.Background()
	id := f.create(t, goodLetter)

	result, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("panic must be absorbed, got %v", err)
	}
	if result.Outcome != OutcomeSystemError || result.Stage != letters.StageQuarantined {
		t.Fatalf("expected system error quarantine, got %+v", result)
	}
	if stage := f.stage(t, id); stage != letters.StageQuarantined {
		t.Fatalf("expected quarantined stage, got %q", stage)
	}
	if needs, _ := f.meta(t, id, letters.MetaNeedsReview); needs != "1" {
		t.Fatalf("expected needs_review=1")
	}
	message, _ := f.meta(t, id, letters.MetaSystemError)
	if !strings.Contains(message, "weights exploded") {
		t.Fatalf("expected panic value in system error, got %q", message)
	}
	if _, locked, _ := f.store.GetTransient(ctx, letterLockKey(id)); locked {
		t.Fatalf("lock must be released after a panic")
	}
	var perr *ProcessingError
	if len(f.reporter.errors) != 1 || !errors.As(f.reporter.errors[0], &perr) || perr.Step != "panic" {
		t.Fatalf("expected one reported panic error, got %v", f.reporter.errors)
	}

	// A redelivery no longer sees an in-progress claim.
	f.engine.weights = NoopWeights{}
	again, err := f.engine.ProcessLetter(ctx, id, false)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if again.SkipReason != "quarantined_requires_force" {
		t.Fatalf("expected quarantined skip, got %+v", again)
	}
}

type panickingWeights struct{}

func (panickingWeights) Weights(context.Context) map[SafetyFlag]float64 {
	panic("weights exploded")
}

func TestProcessLetterSlowDiagnostic(t *testing.T) {
	f := newEngineFixture(t, nil)
	slow := &slowWeights{clock: f.clock, delay: 3 * time.Second}
	f.engine.weights = slow
	id := f.create(t, goodLetter)
	if _, err := f.engine.ProcessLetter(context.Background(), id, false); err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if !containsEvent(f.events(t), diagnostics.EventSlowProcessing) {
		t.Fatalf("expected slow_processing diagnostic, got %v", f.events(t))
	}
	if ms, _ := f.meta(t, id, letters.MetaProcessingTimeMS); ms != "3000" {
		t.Fatalf("expected 3000ms recorded, got %q", ms)
	}
}

// slowWeights advances the clock to simulate a slow scan.
type slowWeights struct {
	clock *testClock
	delay time.Duration
}

func (w *slowWeights) Weights(context.Context) map[SafetyFlag]float64 {
	w.clock.Advance(w.delay)
	return nil
}

func TestNewEngineRequiresStore(t *testing.T) {
	if _, err := NewEngine(Options{}); err == nil {
		t.Fatalf("expected error without a store")
	}
}

func TestScanTextIsComposed(t *testing.T) {
	decomposed := "<p>Cafe\u0301 &amp; friends</p>"
	if got := plainScanText(decomposed); got != "Caf\u00e9 & friends" {
		t.Fatalf("plainScanText = %q", got)
	}
	if got := markupScanText(decomposed); got != "<p>Caf\u00e9 & friends</p>" {
		t.Fatalf("markupScanText = %q", got)
	}
	if got := markupScanText("&lt;script&gt;"); got != "<script>" {
		t.Fatalf("escaped markup must reach the rules, got %q", got)
	}
}
