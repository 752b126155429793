package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/analytics"
	"github.com/reasonstostay/letterflow/internal/config"
	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/httpapi"
	"github.com/reasonstostay/letterflow/internal/importer"
	"github.com/reasonstostay/letterflow/internal/iputil"
	"github.com/reasonstostay/letterflow/internal/jobqueue"
	"github.com/reasonstostay/letterflow/internal/moderation"
	"github.com/reasonstostay/letterflow/internal/pump"
	"github.com/reasonstostay/letterflow/internal/storage"
	"github.com/reasonstostay/letterflow/internal/telemetry"
)

const learnedWeightsTTL = 5 * time.Minute

// app holds every service of one letterflow process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	reporter  telemetry.Reporter
	store     storage.Store
	queue     *jobqueue.Scheduler
	diag      *diagnostics.Log
	hasher    *iputil.Hasher
	rules     *moderation.RulesProvider
	analytics *analytics.Aggregator
	engine    *moderation.Engine
	admin     *moderation.Admin
	pump      *pump.Pump
	importer  *importer.Orchestrator
	profile   string
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger, profile: cfg.Storage.Profile}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	reporter, err := telemetry.NewReporter(telemetry.SentryOptions{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	a.reporter = reporter

	storeDSN, queueDSN, err := cfg.ResolveBackends()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	backend, err := jobqueue.BuildBackendFromDSN(queueDSN)
	if err != nil {
		return nil, fmt.Errorf("open job queue: %w", err)
	}

	a.diag = diagnostics.New(a.store, diagnostics.Options{Logger: logger.Named("diagnostics")})
	a.queue = jobqueue.NewScheduler(jobqueue.Options{
		Backend:      backend,
		Logger:       logger.Named("jobqueue"),
		Lease:        cfg.Queue.Lease,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryDelay:   cfg.Queue.RetryDelay,
		PollInterval: cfg.Queue.PollInterval,
		Workers:      cfg.Queue.Workers,
		OnFailure:    a.jobFailed,
	})

	salt, err := iputil.LoadOrCreateSalt(ctx, a.store)
	if err != nil {
		return nil, fmt.Errorf("load ip salt: %w", err)
	}
	a.hasher, err = iputil.NewHasher(salt)
	if err != nil {
		return nil, err
	}
	a.rules, err = moderation.NewRulesProvider(cfg.Moderation.RulesFile, logger.Named("rules"))
	if err != nil {
		return nil, fmt.Errorf("load moderation rules: %w", err)
	}
	a.analytics = analytics.New(analytics.Options{Store: a.store, Logger: logger.Named("analytics")})
	a.engine, err = moderation.NewEngine(moderation.Options{
		Store:       a.store,
		Rules:       a.rules,
		Weights:     moderation.NewOptionWeights(a.store, learnedWeightsTTL, logger.Named("weights")),
		IPChecker:   moderation.NewIPChecker(a.store, a.hasher, nil),
		Diagnostics: a.diag,
		Counts:      a.analytics,
		Reporter:    reporter,
		Logger:      logger.Named("moderation"),
		LockTTL:     cfg.Moderation.LockTTL,
		StaleAfter:  cfg.Moderation.StaleAfter,
		SlowAfter:   cfg.Moderation.SlowAfter,
	})
	if err != nil {
		return nil, err
	}
	a.admin = moderation.NewAdmin(a.engine)

	a.pump, err = pump.New(pump.Options{
		Store:       a.store,
		Queue:       a.queue,
		Processor:   a.engine,
		Diagnostics: a.diag,
		Analytics: pump.RebuilderFunc(func(ctx context.Context) error {
			_, err := a.analytics.Rebuild(ctx)
			return err
		}),
		Logger:       logger.Named("pump"),
		PumpSchedule: cfg.Pump.Schedule,
		PumpBatch:    cfg.Pump.Batch,
	})
	if err != nil {
		return nil, err
	}
	a.pump.Register()
	a.store.OnLetterSaved(a.pump.SaveHook())

	a.importer = importer.New(importer.Options{
		Store:       a.store,
		Queue:       a.queue,
		Enqueuer:    a.pump,
		Diagnostics: a.diag,
		Logger:      logger.Named("importer"),
	})
	a.importer.Register(a.queue)

	logger.Info("letterflow initialized",
		zap.String("profile", a.profile),
		zap.String("store", a.store.Kind()),
		zap.String("queue", a.queue.Kind()),
	)
	ok = true
	return a, nil
}

// jobFailed records jobs that used up their attempts.
func (a *app) jobFailed(ctx context.Context, job jobqueue.Job, err error) {
	a.diag.Record(ctx, diagnostics.EventJobFailed, map[string]any{
		"job_id":   job.ID,
		"hook":     job.Hook,
		"attempts": job.Attempts,
		"error":    err.Error(),
	})
	if a.reporter != nil {
		a.reporter.CaptureError(err, map[string]string{"hook": job.Hook})
	}
}

func (a *app) server() (*httpapi.Server, error) {
	proxies, err := iputil.ParseTrustedProxies(a.cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	return httpapi.NewServer(httpapi.Deps{
		Store:       a.store,
		Admin:       a.admin,
		Importer:    a.importer,
		Pump:        a.pump,
		Queue:       a.queue,
		Analytics:   a.analytics,
		Diagnostics: a.diag,
		Hasher:      a.hasher,
		Logger:      a.logger.Named("http"),
	}, httpapi.ServerConfig{
		JWTSecret:      a.cfg.Server.JWTSecret,
		MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		SubmitRate:     a.cfg.Server.SubmitRate,
		SubmitBurst:    a.cfg.Server.SubmitBurst,
		Resolver:       iputil.Resolver{TrustedProxies: proxies, TrustCDNHeader: a.cfg.Server.TrustCDNHeader},
		UploadDir:      a.cfg.UploadPath(),
		BackendProfile: a.profile,
	}), nil
}

// drain runs due jobs inline until none are left or ctx ends.
func (a *app) drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ran, err := a.queue.RunDue(ctx)
		total += ran
		if err != nil {
			return total, err
		}
		if ran == 0 {
			return total, nil
		}
	}
}

func (a *app) Close() {
	if a.pump != nil {
		a.pump.Stop()
	}
	if a.rules != nil {
		_ = a.rules.Close()
	}
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if a.reporter != nil {
		a.reporter.Flush(2 * time.Second)
	}
}
