package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/inboxsync"
	"github.com/reasonstostay/letterflow/internal/telemetry"
)

type inboxOptions struct {
	baseURL        string
	token          string
	dir            string
	stateFile      string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	settle         time.Duration
	poll           bool
	once           bool
	logLevel       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &inboxOptions{}
	cmd := &cobra.Command{
		Use:          "letterflow-inbox",
		Short:        "Upload import files dropped into a directory to letterflow",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.baseURL, "base-url", envOrDefault("LETTERFLOW_BASE_URL", "http://127.0.0.1:8080"), "letterflow base URL")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("LETTERFLOW_TOKEN")), "bearer token with the import:write scope")
	flags.StringVar(&opts.dir, "dir", strings.TrimSpace(os.Getenv("LETTERFLOW_INBOX_DIR")), "inbox directory")
	flags.StringVar(&opts.stateFile, "state-file", strings.TrimSpace(os.Getenv("LETTERFLOW_INBOX_STATE_FILE")), "state file path")
	flags.DurationVar(&opts.interval, "interval", durationEnv("LETTERFLOW_INBOX_INTERVAL", 30*time.Second), "rescan interval")
	flags.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("LETTERFLOW_INBOX_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv("LETTERFLOW_INBOX_TIMEOUT", 2*time.Minute), "per-cycle timeout")
	flags.DurationVar(&opts.settle, "settle", durationEnv("LETTERFLOW_INBOX_SETTLE", 2*time.Second), "minimum file age before upload")
	flags.BoolVar(&opts.poll, "poll", false, "poll on an interval instead of watching the directory")
	flags.BoolVar(&opts.once, "once", false, "run one sync cycle and exit")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("LETTERFLOW_LOG_LEVEL", "info"), "log level")
	return cmd
}

func run(ctx context.Context, opts *inboxOptions) error {
	if strings.TrimSpace(opts.token) == "" {
		return errors.New("token is required (--token or LETTERFLOW_TOKEN)")
	}
	if strings.TrimSpace(opts.dir) == "" {
		return errors.New("dir is required (--dir or LETTERFLOW_INBOX_DIR)")
	}
	if opts.interval <= 0 {
		opts.interval = 30 * time.Second
	}
	if opts.timeout <= 0 {
		opts.timeout = 2 * time.Minute
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)

	logger, err := telemetry.NewLogger(opts.logLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client := inboxsync.NewHTTPClient(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout})
	syncer, err := inboxsync.NewSyncer(client, inboxsync.Options{
		Dir:       opts.dir,
		StateFile: opts.stateFile,
		Settle:    opts.settle,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	cycle := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		result, err := syncer.SyncOnce(cycleCtx)
		if err != nil {
			logger.Warn("inbox sync cycle failed", zap.Error(err))
			return
		}
		logger.Info("inbox sync cycle completed",
			zap.Int("uploaded", len(result.Uploaded)),
			zap.Int("failed", len(result.Failed)),
			zap.Bool("waiting", result.Waiting),
		)
	}

	if opts.once {
		cycle()
		return nil
	}
	if !opts.poll {
		logger.Info("watching inbox", zap.String("dir", opts.dir))
		return syncer.Watch(ctx, opts.interval)
	}

	cycle()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("inbox sync stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
			cycle()
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
