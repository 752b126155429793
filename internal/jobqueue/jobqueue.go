package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnavailable    = errors.New("job queue unavailable")
	ErrUnknownHook    = errors.New("unknown hook")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Job is one scheduled invocation of a hook. ArgsKey is the canonical JSON of Args and
// identifies equivalent jobs for de-duplication.
type Job struct {
	ID           string          `json:"id"`
	Hook         string          `json:"hook"`
	Args         json.RawMessage `json:"args,omitempty"`
	ArgsKey      string          `json:"argsKey"`
	Group        string          `json:"group,omitempty"`
	RunAt        time.Time       `json:"runAt"`
	Attempts     int             `json:"attempts"`
	ClaimedUntil time.Time       `json:"claimedUntil,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (j Job) claimed(now time.Time) bool {
	return !j.ClaimedUntil.IsZero() && j.ClaimedUntil.After(now)
}

// Backend persists jobs. A job stays pending, including while it is claimed, until it is
// completed or cancelled. An expired claim makes the job claimable again.
type Backend interface {
	Add(ctx context.Context, job Job) error
	// AddUnique adds the job only when no pending job shares its hook, args key and group.
	AddUnique(ctx context.Context, job Job) (bool, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	Complete(ctx context.Context, id string) error
	Release(ctx context.Context, id string, runAt time.Time, attempts int) error
	// HasPending matches on hook; an empty argsKey or group matches any.
	HasPending(ctx context.Context, hook, argsKey, group string) (bool, error)
	// Cancel removes pending jobs in the group; an empty hook matches any hook.
	Cancel(ctx context.Context, hook, group string) (int, error)
	Pending(ctx context.Context) (int, error)
	Kind() string
	Close() error
}

func matches(job Job, hook, argsKey, group string) bool {
	if hook != "" && job.Hook != hook {
		return false
	}
	if argsKey != "" && job.ArgsKey != argsKey {
		return false
	}
	if group != "" && job.Group != group {
		return false
	}
	return true
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.Hook) == "" {
		return ErrInvalidInput
	}
	return nil
}
