// Package pump keeps unprocessed letters flowing into the moderation queue. A normal scan
// tick runs on the configured interval, a turbo tick takes over while the backlog is large,
// and a cron-driven pump processes a few letters inline in case the queue runner stalls.
package pump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/jobqueue"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/moderation"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	HookProcessLetter = "letterflow_process_letter"
	HookScanTick      = "letterflow_scan_tick"
	HookTurboTick     = "letterflow_turbo_tick"

	DefaultGroup = "letterflow-moderation"
	tickGroup    = "letterflow-scan"
)

const (
	defaultPumpSchedule = "@every 60s"
	defaultPumpBatch    = 5
	defaultSaveDelay    = 5 * time.Second
	staleScanLimit      = 50
)

// Processor moderates one letter.
type Processor interface {
	ProcessLetter(ctx context.Context, id int64, force bool) (moderation.Result, error)
}

// Rebuilder refreshes the stored analytics snapshot.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

type RebuilderFunc func(ctx context.Context) error

func (f RebuilderFunc) Rebuild(ctx context.Context) error { return f(ctx) }

type Options struct {
	Store        storage.Store
	Queue        *jobqueue.Scheduler
	Processor    Processor
	Diagnostics  diagnostics.Recorder
	Analytics    Rebuilder
	Logger       *zap.Logger
	Now          func() time.Time
	PumpSchedule string
	PumpBatch    int
	SaveDelay    time.Duration
}

type Pump struct {
	store        storage.Store
	queue        *jobqueue.Scheduler
	processor    Processor
	diag         diagnostics.Recorder
	analytics    Rebuilder
	logger       *zap.Logger
	now          func() time.Time
	pumpSchedule string
	pumpBatch    int
	saveDelay    time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

type processArgs struct {
	LetterID int64 `json:"letter_id"`
	Force    bool  `json:"force,omitempty"`
}

type TickResult struct {
	Enqueued  int           `json:"enqueued"`
	Backlog   int           `json:"backlog"`
	Turbo     bool          `json:"turbo"`
	NextDelay time.Duration `json:"next_delay_ns"`
}

type PumpResult struct {
	Recovered int  `json:"recovered"`
	Processed int  `json:"processed"`
	Scheduled bool `json:"scheduled"`
}

func New(opts Options) (*Pump, error) {
	if opts.Store == nil {
		return nil, errors.New("pump requires a store")
	}
	if opts.Processor == nil {
		return nil, errors.New("pump requires a processor")
	}
	p := &Pump{
		store:        opts.Store,
		queue:        opts.Queue,
		processor:    opts.Processor,
		diag:         opts.Diagnostics,
		analytics:    opts.Analytics,
		logger:       opts.Logger,
		now:          opts.Now,
		pumpSchedule: opts.PumpSchedule,
		pumpBatch:    opts.PumpBatch,
		saveDelay:    opts.SaveDelay,
	}
	if p.diag == nil {
		p.diag = diagnostics.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.pumpSchedule == "" {
		p.pumpSchedule = defaultPumpSchedule
	}
	if p.pumpBatch <= 0 {
		p.pumpBatch = defaultPumpBatch
	}
	if p.saveDelay <= 0 {
		p.saveDelay = defaultSaveDelay
	}
	return p, nil
}

// Register installs the moderation and tick handlers on the queue.
func (p *Pump) Register() {
	if p.queue == nil {
		return
	}
	p.queue.Register(HookProcessLetter, func(ctx context.Context, raw json.RawMessage) error {
		var args processArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode process args: %w", err)
		}
		_, err := p.processor.ProcessLetter(ctx, args.LetterID, args.Force)
		return err
	})
	p.queue.Register(HookScanTick, func(ctx context.Context, _ json.RawMessage) error {
		_, err := p.ScanTick(ctx)
		return err
	})
	p.queue.Register(HookTurboTick, func(ctx context.Context, _ json.RawMessage) error {
		_, err := p.TurboTick(ctx)
		return err
	})
}

// EnqueueLetter schedules moderation for a letter unless an equivalent job is pending.
func (p *Pump) EnqueueLetter(ctx context.Context, id int64, group string) (bool, error) {
	return p.enqueue(ctx, id, group, 0)
}

func (p *Pump) enqueue(ctx context.Context, id int64, group string, delay time.Duration) (bool, error) {
	if !p.queue.Available() {
		return false, jobqueue.ErrUnavailable
	}
	if group == "" {
		group = DefaultGroup
	}
	args := processArgs{LetterID: id}
	// One pending job per letter, whichever group queued it.
	pending, err := p.queue.HasPending(ctx, HookProcessLetter, args, "")
	if err != nil || pending {
		return false, err
	}
	return p.queue.ScheduleOnce(ctx, HookProcessLetter, args, delay, group)
}

// SaveHook enqueues letters created by visitors or admins. Imports enqueue their own letters
// and engine writes never trigger a run. The short delay lets the creating request finish
// writing meta first.
func (p *Pump) SaveHook() storage.SaveHook {
	return func(ctx context.Context, event storage.SaveEvent) {
		if !event.Created {
			return
		}
		if event.Origin != letters.OriginSubmission && event.Origin != letters.OriginAdmin {
			return
		}
		if _, err := p.enqueue(ctx, event.LetterID, "", p.saveDelay); err != nil {
			p.logger.Warn("enqueue new letter failed", zap.Int64("letter_id", event.LetterID), zap.Error(err))
		}
	}
}

func (p *Pump) enqueueUnprocessed(ctx context.Context, limit int) (int, error) {
	ids, err := p.store.ListLettersByStage(ctx, []letters.Stage{letters.StageUnprocessed}, limit)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range ids {
		added, err := p.EnqueueLetter(ctx, id, "")
		if err != nil {
			return enqueued, err
		}
		if added {
			enqueued++
		}
	}
	return enqueued, nil
}

// Backlog counts letters waiting for moderation under the configured turbo scope.
func (p *Pump) Backlog(ctx context.Context, settings Settings) (int, error) {
	counts, err := p.store.CountLettersByStage(ctx)
	if err != nil {
		return 0, err
	}
	backlog := counts[letters.StageUnprocessed]
	if settings.TurboScope == ScopeBoth {
		backlog += counts[letters.StageQuarantined]
	}
	backlogGauge.Set(float64(backlog))
	return backlog, nil
}

func (p *Pump) settings(ctx context.Context) Settings {
	settings, err := LoadSettings(ctx, p.store)
	if err != nil {
		p.logger.Warn("scan settings unreadable, using defaults", zap.Error(err))
	}
	return settings
}

// ScanTick is the body of the normal tick job. It enqueues one batch when auto-processing
// is enabled, starts turbo when the backlog reaches the threshold, and schedules the next
// tick.
func (p *Pump) ScanTick(ctx context.Context) (TickResult, error) {
	if !p.queue.Available() {
		return TickResult{}, jobqueue.ErrUnavailable
	}
	settings := p.settings(ctx)
	result := TickResult{NextDelay: settings.Interval()}
	if settings.AutoEnabled {
		enqueued, err := p.enqueueUnprocessed(ctx, settings.BatchSize)
		result.Enqueued = enqueued
		if err != nil {
			return result, err
		}
	}
	backlog, err := p.Backlog(ctx, settings)
	if err != nil {
		return result, err
	}
	result.Backlog = backlog

	if settings.AutoEnabled && settings.TurboEnabled && backlog >= settings.TurboThreshold {
		added, err := p.queue.ScheduleOnce(ctx, HookTurboTick, nil, settings.TurboInterval(), tickGroup)
		if err != nil {
			return result, err
		}
		result.Turbo = true
		if added {
			p.diag.Record(ctx, diagnostics.EventTurboStarted, map[string]any{"backlog": backlog})
		}
	}
	// The running tick is still pending in the queue, so plain Schedule is used here.
	if _, err := p.queue.Schedule(ctx, HookScanTick, nil, settings.Interval(), tickGroup); err != nil {
		return result, err
	}
	p.logger.Debug("scan tick",
		zap.Int("enqueued", result.Enqueued),
		zap.Int("backlog", backlog),
		zap.Bool("turbo", result.Turbo),
	)
	return result, nil
}

// TurboTick enqueues a full batch and reschedules itself while a backlog remains. After
// StagnationRuns ticks without the backlog shrinking the delay backs off.
func (p *Pump) TurboTick(ctx context.Context) (TickResult, error) {
	if !p.queue.Available() {
		return TickResult{}, jobqueue.ErrUnavailable
	}
	settings := p.settings(ctx)
	result := TickResult{Turbo: true}
	if !settings.AutoEnabled || !settings.TurboEnabled {
		return TickResult{}, p.resetTurbo(ctx)
	}
	enqueued, err := p.enqueueUnprocessed(ctx, settings.BatchSize)
	result.Enqueued = enqueued
	if err != nil {
		return result, err
	}
	backlog, err := p.Backlog(ctx, settings)
	if err != nil {
		return result, err
	}
	result.Backlog = backlog
	if backlog == 0 {
		p.diag.Record(ctx, diagnostics.EventTurboDrained, nil)
		result.Turbo = false
		return result, p.resetTurbo(ctx)
	}

	state := loadTurboState(ctx, p.store)
	if state.LastRemaining > 0 && backlog >= state.LastRemaining {
		state.StagnantRuns++
	} else {
		state.StagnantRuns = 0
	}
	state.LastRemaining = backlog
	state.UpdatedAt = p.now().UTC()
	stagnantRunsGauge.Set(float64(state.StagnantRuns))

	result.NextDelay = settings.TurboInterval()
	if state.StagnantRuns >= settings.StagnationRuns {
		result.NextDelay = settings.BackoffDelay()
		p.diag.Record(ctx, diagnostics.EventTurboBackoff, map[string]any{
			"backlog":       backlog,
			"stagnant_runs": state.StagnantRuns,
			"delay_seconds": int(result.NextDelay / time.Second),
		})
	}
	if err := storage.SetJSONOption(ctx, p.store, letters.OptionTurboState, state); err != nil {
		return result, err
	}
	if _, err := p.queue.Schedule(ctx, HookTurboTick, nil, result.NextDelay, tickGroup); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pump) resetTurbo(ctx context.Context) error {
	stagnantRunsGauge.Set(0)
	return p.store.DeleteOption(ctx, letters.OptionTurboState)
}

// TurboState returns the stored turbo guard state.
func (p *Pump) TurboState(ctx context.Context) TurboState {
	return loadTurboState(ctx, p.store)
}

// RunNow enqueues one batch immediately without touching the tick schedule.
func (p *Pump) RunNow(ctx context.Context) (TickResult, error) {
	if !p.queue.Available() {
		return TickResult{}, jobqueue.ErrUnavailable
	}
	settings := p.settings(ctx)
	enqueued, err := p.enqueueUnprocessed(ctx, settings.BatchSize)
	if err != nil {
		return TickResult{Enqueued: enqueued}, err
	}
	backlog, err := p.Backlog(ctx, settings)
	return TickResult{Enqueued: enqueued, Backlog: backlog}, err
}

// EnsureScheduled schedules a scan tick when none is pending.
func (p *Pump) EnsureScheduled(ctx context.Context) (bool, error) {
	if !p.queue.Available() {
		return false, jobqueue.ErrUnavailable
	}
	return p.queue.ScheduleOnce(ctx, HookScanTick, nil, p.settings(ctx).Interval(), tickGroup)
}

// PumpOnce recovers stale processing claims, moderates a few unprocessed letters inline,
// and makes sure the scan tick chain is alive. It works without a queue.
func (p *Pump) PumpOnce(ctx context.Context) (PumpResult, error) {
	var result PumpResult
	settings := p.settings(ctx)

	stuck, err := p.store.ListLettersByStage(ctx, []letters.Stage{letters.StageProcessing}, staleScanLimit)
	if err != nil {
		return result, err
	}
	for _, id := range stuck {
		// The engine resets only claims older than its stale threshold.
		res, err := p.processor.ProcessLetter(ctx, id, true)
		if err != nil {
			p.logger.Warn("stale letter recovery failed", zap.Int64("letter_id", id), zap.Error(err))
			continue
		}
		if res.Outcome != moderation.OutcomeSkipped {
			result.Recovered++
		}
	}

	if settings.AutoEnabled {
		ids, err := p.store.ListLettersByStage(ctx, []letters.Stage{letters.StageUnprocessed}, p.pumpBatch)
		if err != nil {
			return result, err
		}
		for _, id := range ids {
			res, err := p.processor.ProcessLetter(ctx, id, false)
			if err != nil {
				p.logger.Warn("pump processing failed", zap.Int64("letter_id", id), zap.Error(err))
				continue
			}
			if res.Outcome != moderation.OutcomeSkipped {
				result.Processed++
			}
		}
	}

	if p.queue.Available() {
		scheduled, err := p.EnsureScheduled(ctx)
		if err != nil {
			p.logger.Warn("ensure scan tick failed", zap.Error(err))
		}
		result.Scheduled = scheduled
	}
	if _, err := p.Backlog(ctx, settings); err != nil {
		p.logger.Warn("backlog count failed", zap.Error(err))
	}
	if result.Recovered > 0 || result.Processed > 0 || result.Scheduled {
		p.diag.Record(ctx, diagnostics.EventPumpRun, map[string]any{
			"recovered": result.Recovered,
			"processed": result.Processed,
			"scheduled": result.Scheduled,
		})
	}
	return result, nil
}

// Start runs the self-healing pump and the daily analytics rebuild on cron and seeds the
// scan tick chain.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(p.pumpSchedule, func() {
		if _, err := p.PumpOnce(ctx); err != nil {
			p.logger.Warn("pump run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule pump %q: %w", p.pumpSchedule, err)
	}
	if p.analytics != nil {
		if _, err := c.AddFunc("@daily", func() {
			if err := p.analytics.Rebuild(ctx); err != nil {
				p.logger.Warn("analytics rebuild failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule analytics rebuild: %w", err)
		}
	}
	if p.queue.Available() {
		if _, err := p.EnsureScheduled(ctx); err != nil {
			p.logger.Warn("seed scan tick failed", zap.Error(err))
		}
	}
	c.Start()
	p.cron = c
	p.logger.Info("pump started", zap.String("schedule", p.pumpSchedule), zap.Int("batch", p.pumpBatch))
	return nil
}

// Stop halts cron and waits up to five seconds for a running pump to return.
func (p *Pump) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		p.logger.Warn("pump stop timed out waiting for a running job")
	}
}
