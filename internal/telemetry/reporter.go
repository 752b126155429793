package telemetry

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards unexpected errors to an error tracker.
type Reporter interface {
	CaptureError(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

type NopReporter struct{}

func (NopReporter) CaptureError(error, map[string]string) {}

func (NopReporter) Flush(time.Duration) bool { return true }

type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

type sentryReporter struct {
	hub *sentry.Hub
}

// NewReporter returns a Sentry reporter, or a no-op reporter when no DSN is configured.
func NewReporter(opts SentryOptions) (Reporter, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return NopReporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	return &sentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *sentryReporter) CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		r.hub.CaptureException(err)
	})
}

func (r *sentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
