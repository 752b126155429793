package telemetry

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug", false)
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
	logger, err = NewLogger("nonsense", true)
	if err != nil {
		t.Fatalf("new development logger failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) || !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected unknown level to fall back to info")
	}
}

func TestNewReporterWithoutDSNIsNoop(t *testing.T) {
	reporter, err := NewReporter(SentryOptions{})
	if err != nil {
		t.Fatalf("new reporter failed: %v", err)
	}
	if _, ok := reporter.(NopReporter); !ok {
		t.Fatalf("expected no-op reporter, got %T", reporter)
	}
	reporter.CaptureError(errors.New("ignored"), nil)
	if !reporter.Flush(time.Millisecond) {
		t.Fatalf("expected no-op flush to succeed")
	}
}

func TestNewReporterRejectsBadDSN(t *testing.T) {
	if _, err := NewReporter(SentryOptions{DSN: "::not a dsn"}); err == nil {
		t.Fatalf("expected invalid dsn error")
	}
}
