package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLease        = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 30 * time.Second
	defaultPollInterval = time.Second
	defaultClaimBatch   = 10
	defaultWorkers      = 2
)

// Handler runs one job. Returning an error schedules a retry until the attempt limit.
type Handler func(ctx context.Context, args json.RawMessage) error

// FailureFunc is told about jobs that exhausted their attempts or have no handler.
type FailureFunc func(ctx context.Context, job Job, err error)

type Options struct {
	Backend      Backend
	Logger       *zap.Logger
	Now          func() time.Time
	Lease        time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	PollInterval time.Duration
	ClaimBatch   int
	Workers      int
	OnFailure    FailureFunc
}

// Scheduler delivers jobs at least once. Handlers must tolerate duplicate delivery.
type Scheduler struct {
	backend      Backend
	logger       *zap.Logger
	now          func() time.Time
	lease        time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	pollInterval time.Duration
	claimBatch   int
	workers      int
	onFailure    FailureFunc

	mu       sync.RWMutex
	handlers map[string]Handler

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		backend:      opts.Backend,
		logger:       opts.Logger,
		now:          opts.Now,
		lease:        opts.Lease,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		pollInterval: opts.PollInterval,
		claimBatch:   opts.ClaimBatch,
		workers:      opts.Workers,
		onFailure:    opts.OnFailure,
		handlers:     map[string]Handler{},
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lease <= 0 {
		s.lease = defaultLease
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.claimBatch <= 0 {
		s.claimBatch = defaultClaimBatch
	}
	if s.workers <= 0 {
		s.workers = defaultWorkers
	}
	return s
}

func (s *Scheduler) Register(hook string, handler Handler) {
	hook = strings.TrimSpace(hook)
	if hook == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[hook] = handler
}

// SetFailureHandler replaces the failure callback; it must be called before Start.
func (s *Scheduler) SetFailureHandler(fn FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// Available reports whether jobs can be scheduled. Callers treat false as a reason to refuse work.
func (s *Scheduler) Available() bool {
	if s == nil || s.backend == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *Scheduler) Kind() string {
	if s == nil || s.backend == nil {
		return "none"
	}
	return s.backend.Kind()
}

// ArgsKey returns the canonical key used to compare job arguments.
func ArgsKey(args any) (json.RawMessage, string, error) {
	if args == nil {
		return nil, "", nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, string(raw), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, "", fmt.Errorf("%w: job args: %v", ErrInvalidInput, err)
	}
	return data, string(data), nil
}

func (s *Scheduler) newJob(hook string, args any, delay time.Duration, group string) (Job, error) {
	hook = strings.TrimSpace(hook)
	if hook == "" {
		return Job{}, ErrInvalidInput
	}
	raw, key, err := ArgsKey(args)
	if err != nil {
		return Job{}, err
	}
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	return Job{
		ID:        uuid.NewString(),
		Hook:      hook,
		Args:      raw,
		ArgsKey:   key,
		Group:     strings.TrimSpace(group),
		RunAt:     now.Add(delay),
		CreatedAt: now,
	}, nil
}

func (s *Scheduler) Schedule(ctx context.Context, hook string, args any, delay time.Duration, group string) (string, error) {
	if !s.Available() {
		return "", ErrUnavailable
	}
	job, err := s.newJob(hook, args, delay, group)
	if err != nil {
		return "", err
	}
	if err := s.backend.Add(ctx, job); err != nil {
		return "", err
	}
	if delay <= 0 {
		s.signal()
	}
	return job.ID, nil
}

// ScheduleOnce schedules the job unless an equivalent one is already pending and reports
// whether it added one.
func (s *Scheduler) ScheduleOnce(ctx context.Context, hook string, args any, delay time.Duration, group string) (bool, error) {
	if !s.Available() {
		return false, ErrUnavailable
	}
	job, err := s.newJob(hook, args, delay, group)
	if err != nil {
		return false, err
	}
	added, err := s.backend.AddUnique(ctx, job)
	if err != nil {
		return false, err
	}
	if added && delay <= 0 {
		s.signal()
	}
	return added, nil
}

func (s *Scheduler) HasPending(ctx context.Context, hook string, args any, group string) (bool, error) {
	if !s.Available() {
		return false, ErrUnavailable
	}
	_, key, err := ArgsKey(args)
	if err != nil {
		return false, err
	}
	return s.backend.HasPending(ctx, strings.TrimSpace(hook), key, strings.TrimSpace(group))
}

// Unschedule cancels pending jobs in group; an empty hook cancels every hook in the group.
func (s *Scheduler) Unschedule(ctx context.Context, hook, group string) (int, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	return s.backend.Cancel(ctx, strings.TrimSpace(hook), strings.TrimSpace(group))
}

func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	return s.backend.Pending(ctx)
}

// RunDue claims due jobs and runs them on the calling goroutine. It returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	jobs, err := s.backend.Claim(ctx, s.now(), s.lease, s.claimBatch)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.execute(ctx, job)
	}
	return len(jobs), nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Hook]
	onFailure := s.onFailure
	s.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownHook, job.Hook)
		s.logger.Warn("job has no handler", zap.String("hook", job.Hook), zap.String("job_id", job.ID))
		jobsTotal.WithLabelValues(job.Hook, "failed").Inc()
		s.finish(ctx, job)
		if onFailure != nil {
			onFailure(ctx, job, err)
		}
		return
	}

	started := s.now()
	err := runHandler(ctx, handler, job.Args)
	if err == nil {
		jobsTotal.WithLabelValues(job.Hook, "success").Inc()
		s.finish(ctx, job)
		s.logger.Debug("job completed",
			zap.String("hook", job.Hook),
			zap.String("job_id", job.ID),
			zap.Duration("duration", s.now().Sub(started)),
		)
		return
	}

	attempts := job.Attempts + 1
	if attempts < s.maxAttempts {
		jobsTotal.WithLabelValues(job.Hook, "retry").Inc()
		runAt := s.now().Add(time.Duration(attempts) * s.retryDelay)
		if releaseErr := s.backend.Release(ctx, job.ID, runAt, attempts); releaseErr != nil {
			s.logger.Error("release job failed", zap.String("job_id", job.ID), zap.Error(releaseErr))
		}
		s.logger.Warn("job failed, retrying",
			zap.String("hook", job.Hook),
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempts),
			zap.Time("next_attempt_at", runAt),
			zap.Error(err),
		)
		return
	}
	jobsTotal.WithLabelValues(job.Hook, "failed").Inc()
	s.finish(ctx, job)
	s.logger.Error("job failed permanently",
		zap.String("hook", job.Hook),
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if onFailure != nil {
		job.Attempts = attempts
		onFailure(ctx, job, err)
	}
}

func (s *Scheduler) finish(ctx context.Context, job Job) {
	if err := s.backend.Complete(ctx, job.ID); err != nil {
		s.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func runHandler(ctx context.Context, handler Handler, args json.RawMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()
	return handler(ctx, args)
}

// Start launches the workers. They stop when ctx is cancelled or Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Available() {
		return
	}
	s.startOnce.Do(func() {
		s.wg.Add(s.workers)
		for i := 0; i < s.workers; i++ {
			go func() {
				defer s.wg.Done()
				s.worker(ctx)
			}()
		}
	})
}

func (s *Scheduler) worker(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		ran, err := s.RunDue(ctx)
		if err != nil && !errors.Is(err, ErrUnavailable) && ctx.Err() == nil {
			s.logger.Warn("claim jobs failed", zap.Error(err))
		}
		if ran > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if s.backend != nil {
			err = s.backend.Close()
		}
	})
	return err
}
