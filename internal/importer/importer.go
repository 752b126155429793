// Package importer loads letters in bulk from CSV, NDJSON or JSON files. Files are read
// once up front and split into batches that run as queued jobs.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/iputil"
	"github.com/reasonstostay/letterflow/internal/jobqueue"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	HookImportBatch = "letterflow_import_batch"
	BatchSize       = 50
)

const (
	CodeQueueUnavailable  = "queue_unavailable"
	CodeFileUnreadable    = "file_unreadable"
	CodeUnsupportedFormat = "unsupported_format"
	CodeJSONTooLarge      = "json_too_large"
	CodeInvalidJSON       = "invalid_json"
)

var (
	ErrJobSuperseded = errors.New("import job superseded")
	ErrNoActiveJob   = errors.New("no active import job")
)

// StartError rejects an import before any letter or job is created.
type StartError struct {
	Code string
	Err  error
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Enqueuer hands new letters to moderation.
type Enqueuer interface {
	EnqueueLetter(ctx context.Context, id int64, group string) (bool, error)
}

type Status struct {
	JobID       string     `json:"job_id"`
	File        string     `json:"file"`
	Format      string     `json:"format"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Errors      int        `json:"errors"`
	Batches     int        `json:"batches"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// DoneBatches lists the batch numbers already counted.
	DoneBatches []int `json:"done_batches,omitempty"`
}

func (s Status) Complete() bool {
	return s.Processed+s.Errors >= s.Total
}

func (s Status) batchDone(batch int) bool {
	for _, done := range s.DoneBatches {
		if done == batch {
			return true
		}
	}
	return false
}

type StartResult struct {
	OK               bool   `json:"ok"`
	JobID            string `json:"job_id"`
	ScheduledBatches int    `json:"scheduled_batches"`
	Total            int    `json:"total"`
}

// BatchArgs are the job arguments for one batch.
type BatchArgs struct {
	JobID   string   `json:"job_id"`
	Batch   int      `json:"batch"`
	Records []Record `json:"records"`
}

type Options struct {
	Store       storage.Store
	Queue       *jobqueue.Scheduler
	Enqueuer    Enqueuer
	Diagnostics diagnostics.Recorder
	Logger      *zap.Logger
	Now         func() time.Time
}

type Orchestrator struct {
	store    storage.Store
	queue    *jobqueue.Scheduler
	enqueuer Enqueuer
	diag     diagnostics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    opts.Store,
		queue:    opts.Queue,
		enqueuer: opts.Enqueuer,
		diag:     opts.Diagnostics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if o.diag == nil {
		o.diag = diagnostics.Nop{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Register installs the batch handler on the queue. Superseded batches finish quietly.
func (o *Orchestrator) Register(queue *jobqueue.Scheduler) {
	queue.Register(HookImportBatch, func(ctx context.Context, raw json.RawMessage) error {
		var args BatchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode import batch: %w", err)
		}
		_, err := o.ProcessBatch(ctx, args)
		if errors.Is(err, ErrJobSuperseded) {
			o.logger.Info("skipping superseded import batch", zap.String("job_id", args.JobID), zap.Int("batch", args.Batch))
			return nil
		}
		return err
	})
}

func groupFor(jobID string) string {
	return "letterflow-import-" + jobID
}

func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "csv":
		return FormatCSV
	case "json":
		return FormatJSON
	case "ndjson":
		return FormatNDJSON
	default:
		return ""
	}
}

func openSource(path, format string) (source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &StartError{Code: CodeFileUnreadable, Err: err}
	}
	if info.IsDir() {
		return nil, &StartError{Code: CodeFileUnreadable, Err: fmt.Errorf("%s is a directory", path)}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &StartError{Code: CodeFileUnreadable, Err: err}
	}
	_ = file.Close()

	switch format {
	case FormatCSV:
		return csvSource{path: path}, nil
	case FormatNDJSON:
		return ndjsonSource{path: path}, nil
	}
	if info.Size() > maxJSONBytes {
		return nil, &StartError{Code: CodeJSONTooLarge, Err: fmt.Errorf("%d bytes exceeds %d", info.Size(), maxJSONBytes)}
	}
	src, err := loadJSONSource(path)
	if errors.Is(err, errInvalidJSON) {
		return nil, &StartError{Code: CodeInvalidJSON, Err: err}
	}
	if err != nil {
		return nil, &StartError{Code: CodeFileUnreadable, Err: err}
	}
	return src, nil
}

// StartImport counts the file, records a new active job and schedules its batches. Records
// without content are counted as errors. Starting a new import supersedes the previous one.
func (o *Orchestrator) StartImport(ctx context.Context, path string) (StartResult, error) {
	if !o.queue.Available() {
		return StartResult{}, &StartError{Code: CodeQueueUnavailable, Err: jobqueue.ErrUnavailable}
	}
	format := detectFormat(path)
	if format == "" {
		return StartResult{}, &StartError{Code: CodeUnsupportedFormat, Err: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}
	src, err := openSource(path, format)
	if err != nil {
		return StartResult{}, err
	}
	total, err := src.count()
	if err != nil {
		return StartResult{}, &StartError{Code: CodeFileUnreadable, Err: err}
	}

	jobID := uuid.NewString()
	status := Status{
		JobID:     jobID,
		File:      filepath.Base(path),
		Format:    format,
		Total:     total,
		StartedAt: o.now().UTC(),
	}
	if err := storage.SetJSONOption(ctx, o.store, letters.OptionImportJobStatus, status); err != nil {
		return StartResult{}, err
	}
	o.diag.Record(ctx, diagnostics.EventImportStarted, map[string]any{"job_id": jobID, "file": status.File, "total": total})

	group := groupFor(jobID)
	batches, dropped, seen := 0, 0, 0
	batch := make([]Record, 0, BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		args := BatchArgs{JobID: jobID, Batch: batches + 1, Records: batch}
		if _, err := o.queue.Schedule(ctx, HookImportBatch, args, 0, group); err != nil {
			o.logger.Error("schedule import batch failed", zap.String("job_id", jobID), zap.Int("batch", args.Batch), zap.Error(err))
			dropped += len(batch)
			importRecords.WithLabelValues("failed").Add(float64(len(batch)))
		} else {
			batches++
		}
		batch = make([]Record, 0, BatchSize)
	}
	err = src.each(func(record Record, ok bool) error {
		if seen >= total {
			return nil
		}
		seen++
		if !ok || strings.TrimSpace(record.Content) == "" {
			dropped++
			importRecords.WithLabelValues("dropped").Inc()
			return nil
		}
		batch = append(batch, record)
		if len(batch) >= BatchSize {
			flush()
		}
		return ctx.Err()
	})
	flush()
	if err != nil {
		o.logger.Warn("import stream stopped early", zap.String("job_id", jobID), zap.Error(err))
	}
	// Rows that were counted but never reached a batch are errors too.
	dropped += total - seen

	updated, active, updateErr := o.bump(ctx, jobID, -1, 0, dropped, batches)
	if updateErr != nil {
		return StartResult{}, updateErr
	}
	if active && updated.Complete() {
		o.logger.Info("import finished without batches", zap.String("job_id", jobID), zap.Int("errors", updated.Errors))
	}
	o.logger.Info("import started",
		zap.String("job_id", jobID),
		zap.String("format", format),
		zap.Int("total", total),
		zap.Int("batches", batches),
		zap.Int("dropped", dropped),
	)
	return StartResult{OK: true, JobID: jobID, ScheduledBatches: batches, Total: total}, nil
}

// ProcessBatch creates the letters of one batch and queues them for moderation. A record
// that fails is counted and skipped. Redelivering a batch creates no duplicates: records
// already created are found by their record key, and a batch is counted only once.
func (o *Orchestrator) ProcessBatch(ctx context.Context, args BatchArgs) (Status, error) {
	status, ok, err := o.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	if !ok || status.JobID != args.JobID {
		return Status{}, ErrJobSuperseded
	}
	if status.batchDone(args.Batch) {
		o.logger.Debug("import batch already counted", zap.String("job_id", args.JobID), zap.Int("batch", args.Batch))
		return status, nil
	}

	created, failed := 0, 0
	for i, record := range args.Records {
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}
		key := recordKey(args.JobID, args.Batch, i)
		existing, err := o.store.CountLettersByMeta(ctx, letters.MetaImportRecord, key, time.Time{})
		if err != nil {
			return Status{}, err
		}
		if existing > 0 {
			created++
			importRecords.WithLabelValues("existing").Inc()
			continue
		}
		if _, err := o.createLetter(ctx, args.JobID, key, record); err != nil {
			failed++
			importRecords.WithLabelValues("failed").Inc()
			o.logger.Warn("import record failed", zap.String("job_id", args.JobID), zap.Int("batch", args.Batch), zap.Error(err))
			continue
		}
		created++
		importRecords.WithLabelValues("created").Inc()
	}
	updated, active, err := o.bump(ctx, args.JobID, args.Batch, created, failed, 0)
	if err != nil {
		return Status{}, err
	}
	if !active {
		return Status{}, ErrJobSuperseded
	}
	return updated, nil
}

func recordKey(jobID string, batch, index int) string {
	return fmt.Sprintf("%s:%d:%d", jobID, batch, index)
}

func (o *Orchestrator) createLetter(ctx context.Context, jobID, key string, record Record) (int64, error) {
	now := o.now().UTC()
	title := "Letter " + now.Format("2006-01-02")
	id, err := o.store.CreateLetter(ctx, letters.Letter{
		Title:   title,
		Content: record.Content,
		Status:  letters.StatusPending,
	}, letters.OriginImport)
	if err != nil {
		return 0, err
	}
	if err := o.store.UpdateLetterTitle(ctx, id, fmt.Sprintf("%s #%d", title, id)); err != nil {
		return id, err
	}
	sum := sha256.Sum256([]byte(record.Content))
	meta := []struct{ key, value string }{
		{letters.MetaImportRecord, key},
		{letters.MetaStage, string(letters.StageUnprocessed)},
		{letters.MetaImportHash, hex.EncodeToString(sum[:])},
		{letters.MetaImportJobID, jobID},
	}
	if title := strings.TrimSpace(record.Title); title != "" {
		meta = append(meta, struct{ key, value string }{letters.MetaImportTitle, title})
	}
	if iputil.Valid(record.SubmissionIP) {
		meta = append(meta, struct{ key, value string }{letters.MetaSubmissionIP, iputil.Normalize(record.SubmissionIP)})
	}
	for _, m := range meta {
		if err := o.store.SetMeta(ctx, id, m.key, m.value); err != nil {
			return id, err
		}
	}
	if o.enqueuer != nil {
		if _, err := o.enqueuer.EnqueueLetter(ctx, id, groupFor(jobID)); err != nil {
			return id, err
		}
	}
	return id, nil
}

// bump adds to the job counters if jobID is still the active job, marking it complete
// once every counted record is accounted for. A non-negative batch is counted at most once.
func (o *Orchestrator) bump(ctx context.Context, jobID string, batch, processed, errs, batches int) (Status, bool, error) {
	var (
		out       Status
		active    bool
		completed bool
	)
	err := o.store.UpdateOption(ctx, letters.OptionImportJobStatus, func(current string, exists bool) (string, error) {
		if !exists || strings.TrimSpace(current) == "" {
			return "", storage.ErrSkipUpdate
		}
		var status Status
		if err := json.Unmarshal([]byte(current), &status); err != nil {
			return "", err
		}
		if status.JobID != jobID {
			return "", storage.ErrSkipUpdate
		}
		active = true
		if batch >= 0 {
			if status.batchDone(batch) {
				out = status
				return "", storage.ErrSkipUpdate
			}
			status.DoneBatches = append(status.DoneBatches, batch)
		}
		status.Processed += processed
		status.Errors += errs
		status.Batches += batches
		if status.Processed+status.Errors > status.Total {
			status.Errors = status.Total - status.Processed
			if status.Errors < 0 {
				status.Errors = 0
				status.Processed = status.Total
			}
		}
		if status.CompletedAt == nil && status.Complete() {
			at := o.now().UTC()
			status.CompletedAt = &at
			completed = true
		}
		out = status
		data, err := json.Marshal(status)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return Status{}, false, err
	}
	if completed {
		o.diag.Record(ctx, diagnostics.EventImportCompleted, map[string]any{
			"job_id":    jobID,
			"processed": out.Processed,
			"errors":    out.Errors,
		})
	}
	return out, active, nil
}

func (o *Orchestrator) Current(ctx context.Context) (Status, bool, error) {
	var status Status
	ok, err := storage.GetJSONOption(ctx, o.store, letters.OptionImportJobStatus, &status)
	if err != nil || !ok {
		return Status{}, false, err
	}
	return status, true, nil
}

// Cancel clears the active job and removes its queued batch and letter jobs. Batches
// already running see the missing status and stop counting.
func (o *Orchestrator) Cancel(ctx context.Context) (Status, error) {
	status, ok, err := o.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, ErrNoActiveJob
	}
	if err := o.store.DeleteOption(ctx, letters.OptionImportJobStatus); err != nil {
		return Status{}, err
	}
	removed := 0
	if o.queue.Available() {
		removed, err = o.queue.Unschedule(ctx, "", groupFor(status.JobID))
		if err != nil {
			return status, err
		}
	}
	o.diag.Record(ctx, diagnostics.EventImportCancelled, map[string]any{"job_id": status.JobID, "unscheduled": removed})
	o.logger.Info("import cancelled", zap.String("job_id", status.JobID), zap.Int("unscheduled", removed))
	return status, nil
}
