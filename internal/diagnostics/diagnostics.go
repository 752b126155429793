// Package diagnostics keeps a bounded log of moderation events in the option store and
// mirrors every event to the process logger.
package diagnostics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const DefaultCapacity = 250

const (
	EventLetterQuarantined = "letter_quarantined"
	EventLetterPassed      = "letter_passed"
	EventSlowProcessing    = "slow_processing"
	EventSystemError       = "system_error"
	EventStaleReset        = "stale_processing_reset"
	EventJobFailed         = "job_failed"
	EventImportStarted     = "import_started"
	EventImportCompleted   = "import_completed"
	EventImportCancelled   = "import_cancelled"
	EventTurboStarted      = "turbo_started"
	EventTurboBackoff      = "turbo_backoff"
	EventTurboDrained      = "turbo_drained"
	EventPumpRun           = "pump_run"
)

type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recorder is what the moderation pipeline needs from the log.
type Recorder interface {
	Record(ctx context.Context, event string, data map[string]any)
}

type Options struct {
	Logger   *zap.Logger
	Now      func() time.Time
	Capacity int
}

type Log struct {
	options  storage.OptionStore
	logger   *zap.Logger
	now      func() time.Time
	capacity int

	subMu       sync.Mutex
	subscribers map[int]chan Entry
	nextSub     int
}

func New(options storage.OptionStore, opts Options) *Log {
	l := &Log{
		options:     options,
		logger:      opts.Logger,
		now:         opts.Now,
		capacity:    opts.Capacity,
		subscribers: map[int]chan Entry{},
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.capacity <= 0 {
		l.capacity = DefaultCapacity
	}
	return l
}

// Record appends the event, dropping the oldest entries past capacity. Persistence
// failures are logged and never returned; diagnostics must not break the caller.
func (l *Log) Record(ctx context.Context, event string, data map[string]any) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	entry := Entry{Timestamp: l.now().UTC(), Event: event, Data: data}
	l.bridge(entry)

	if l.options != nil {
		err := l.options.UpdateOption(ctx, letters.OptionDiagnosticsLog, func(current string, exists bool) (string, error) {
			entries := decodeEntries(current)
			entries = append(entries, entry)
			if over := len(entries) - l.capacity; over > 0 {
				entries = entries[over:]
			}
			data, err := json.Marshal(entries)
			if err != nil {
				return "", err
			}
			return string(data), nil
		})
		if err != nil {
			l.logger.Warn("persist diagnostics entry failed", zap.String("event", event), zap.Error(err))
		}
	}
	l.publish(entry)
}

func (l *Log) bridge(entry Entry) {
	fields := []zap.Field{zap.String("event", entry.Event)}
	if len(entry.Data) > 0 {
		fields = append(fields, zap.Any("data", entry.Data))
	}
	if isWarning(entry.Event) {
		l.logger.Warn("diagnostics", fields...)
		return
	}
	l.logger.Info("diagnostics", fields...)
}

func isWarning(event string) bool {
	switch event {
	case EventLetterQuarantined, EventSlowProcessing, EventSystemError:
		return true
	}
	return strings.HasSuffix(event, "_failed")
}

// Entries returns up to limit of the newest entries, oldest first. A limit of zero returns all.
func (l *Log) Entries(ctx context.Context, limit int) ([]Entry, error) {
	raw, _, err := l.options.GetOption(ctx, letters.OptionDiagnosticsLog)
	if err != nil {
		return nil, err
	}
	entries := decodeEntries(raw)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (l *Log) Clear(ctx context.Context) error {
	return l.options.DeleteOption(ctx, letters.OptionDiagnosticsLog)
}

func (l *Log) State(ctx context.Context) (map[string]any, error) {
	state := map[string]any{}
	if _, err := storage.GetJSONOption(ctx, l.options, letters.OptionDiagnosticsState, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// MergeState shallow-merges patch into the state blob; nil values delete keys.
func (l *Log) MergeState(ctx context.Context, patch map[string]any) error {
	return l.options.UpdateOption(ctx, letters.OptionDiagnosticsState, func(current string, exists bool) (string, error) {
		state := map[string]any{}
		if strings.TrimSpace(current) != "" {
			if err := json.Unmarshal([]byte(current), &state); err != nil {
				state = map[string]any{}
			}
		}
		for key, value := range patch {
			if value == nil {
				delete(state, key)
				continue
			}
			state[key] = value
		}
		data, err := json.Marshal(state)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

// Subscribe streams new entries. Slow subscribers miss entries instead of blocking Record.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subscribers, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) publish(entry Entry) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

func decodeEntries(raw string) []Entry {
	if strings.TrimSpace(raw) == "" {
		return []Entry{}
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return []Entry{}
	}
	return entries
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, string, map[string]any) {}
