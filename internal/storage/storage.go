package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/reasonstostay/letterflow/internal/letters"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Term struct {
	ID       int64  `json:"id" db:"id"`
	Taxonomy string `json:"taxonomy" db:"taxonomy"`
	Slug     string `json:"slug" db:"slug"`
	Name     string `json:"name" db:"name"`
}

type SaveEvent struct {
	LetterID int64
	Origin   letters.WriteOrigin
	Created  bool
}

type SaveHook func(ctx context.Context, event SaveEvent)

type ContentStore interface {
	CreateLetter(ctx context.Context, letter letters.Letter, origin letters.WriteOrigin) (int64, error)
	GetLetter(ctx context.Context, id int64) (letters.Letter, error)
	UpdateLetterContent(ctx context.Context, id int64, content string, origin letters.WriteOrigin) error
	UpdateLetterTitle(ctx context.Context, id int64, title string) error
	SetLetterStatus(ctx context.Context, id int64, status letters.Status) error
	TrashLetter(ctx context.Context, id int64) error
	OnLetterSaved(hook SaveHook)
}

type MetaStore interface {
	GetMeta(ctx context.Context, id int64, key string) (string, bool, error)
	SetMeta(ctx context.Context, id int64, key, value string) error
	DeleteMeta(ctx context.Context, id int64, key string) error
	AllMeta(ctx context.Context, id int64) (map[string]string, error)
}

// ErrSkipUpdate returned from an UpdateFunc leaves the option untouched; UpdateOption
// then returns nil.
var ErrSkipUpdate = errors.New("skip option update")

// UpdateFunc receives the current option value and returns the value to store.
type UpdateFunc func(current string, exists bool) (string, error)

type OptionStore interface {
	GetOption(ctx context.Context, key string) (string, bool, error)
	SetOption(ctx context.Context, key, value string) error
	DeleteOption(ctx context.Context, key string) error
	UpdateOption(ctx context.Context, key string, fn UpdateFunc) error
}

type TransientStore interface {
	// AddTransient stores the value only when no unexpired value exists and reports whether it did.
	AddTransient(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetTransient(ctx context.Context, key string) (string, bool, error)
	SetTransient(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteTransient(ctx context.Context, key string) error
}

type TermStore interface {
	FindOrCreateTerm(ctx context.Context, taxonomy, name string) (int64, error)
	SetEntityTerms(ctx context.Context, id int64, taxonomy string, termIDs []int64) error
	EntityTerms(ctx context.Context, id int64, taxonomy string) ([]Term, error)
}

// LetterQuery treats a letter without a stage as unprocessed and ignores trashed letters,
// except CountLettersByMeta which counts every letter created since the cutoff.
type LetterQuery interface {
	ListLettersByStage(ctx context.Context, stages []letters.Stage, limit int) ([]int64, error)
	CountLettersByStage(ctx context.Context) (map[letters.Stage]int, error)
	CountLettersByMeta(ctx context.Context, key, value string, since time.Time) (int, error)
	GroupLettersByMeta(ctx context.Context, key string) (map[string]int, error)
	CountLettersCreatedSince(ctx context.Context, since time.Time) (int, error)
}

type Store interface {
	ContentStore
	MetaStore
	OptionStore
	TransientStore
	TermStore
	LetterQuery
	Kind() string
	Close() error
}

func GetJSONOption(ctx context.Context, options OptionStore, key string, dst any) (bool, error) {
	raw, ok, err := options.GetOption(ctx, key)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSONOption(ctx context.Context, options OptionStore, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return options.SetOption(ctx, key, string(data))
}

func Slugify(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

type saveHooks struct {
	mu    sync.RWMutex
	hooks []SaveHook
}

func (h *saveHooks) add(hook SaveHook) {
	if hook == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *saveHooks) fire(ctx context.Context, event SaveEvent) {
	h.mu.RLock()
	hooks := append([]SaveHook(nil), h.hooks...)
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, event)
	}
}

func stageOf(meta map[string]string) letters.Stage {
	raw, ok := meta[letters.MetaStage]
	if !ok {
		return letters.StageUnprocessed
	}
	return letters.Stage(raw)
}

func stageSet(stages []letters.Stage) map[letters.Stage]struct{} {
	set := make(map[letters.Stage]struct{}, len(stages))
	for _, stage := range stages {
		set[stage] = struct{}{}
	}
	return set
}
