package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reasonstostay/letterflow/internal/letters"
)

type MemoryStoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	Now          func() time.Time
}

// MemoryStore keeps everything in process memory and optionally persists a JSON snapshot
// after every mutation.
type MemoryStore struct {
	mu           sync.RWMutex
	optionMu     sync.Mutex
	now          func() time.Time
	stateBackend StateBackend
	hooks        saveHooks

	nextLetterID int64
	nextTermID   int64
	letters      map[int64]letters.Letter
	meta         map[int64]map[string]string
	options      map[string]string
	transients   map[string]transient
	terms        map[string]map[string]Term
	entityTerms  map[int64]map[string][]int64
}

func NewMemoryStore() *MemoryStore {
	store, _ := NewMemoryStoreWithOptions(MemoryStoreOptions{})
	return store
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) (*MemoryStore, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &MemoryStore{
		now:          now,
		stateBackend: backend,
		letters:      map[int64]letters.Letter{},
		meta:         map[int64]map[string]string{},
		options:      map[string]string{},
		transients:   map[string]transient{},
		terms:        map[string]map[string]Term{},
		entityTerms:  map[int64]map[string][]int64{},
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) Kind() string {
	if s.stateBackend != nil {
		return "file"
	}
	return "memory"
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) OnLetterSaved(hook SaveHook) {
	s.hooks.add(hook)
}

func (s *MemoryStore) CreateLetter(ctx context.Context, letter letters.Letter, origin letters.WriteOrigin) (int64, error) {
	s.mu.Lock()
	s.nextLetterID++
	letter.ID = s.nextLetterID
	if letter.Type == "" {
		letter.Type = letters.PostType
	}
	if letter.Status == "" {
		letter.Status = letters.StatusPending
	}
	now := s.now()
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = now
	}
	letter.UpdatedAt = now
	s.letters[letter.ID] = letter
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.hooks.fire(ctx, SaveEvent{LetterID: letter.ID, Origin: origin, Created: true})
	return letter.ID, nil
}

func (s *MemoryStore) GetLetter(_ context.Context, id int64) (letters.Letter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letter, ok := s.letters[id]
	if !ok {
		return letters.Letter{}, ErrNotFound
	}
	return letter, nil
}

func (s *MemoryStore) UpdateLetterContent(ctx context.Context, id int64, content string, origin letters.WriteOrigin) error {
	if err := s.mutateLetter(id, func(letter *letters.Letter) {
		letter.Content = content
	}); err != nil {
		return err
	}
	s.hooks.fire(ctx, SaveEvent{LetterID: id, Origin: origin})
	return nil
}

func (s *MemoryStore) UpdateLetterTitle(_ context.Context, id int64, title string) error {
	return s.mutateLetter(id, func(letter *letters.Letter) {
		letter.Title = title
	})
}

func (s *MemoryStore) SetLetterStatus(_ context.Context, id int64, status letters.Status) error {
	return s.mutateLetter(id, func(letter *letters.Letter) {
		letter.Status = status
	})
}

func (s *MemoryStore) TrashLetter(ctx context.Context, id int64) error {
	return s.SetLetterStatus(ctx, id, letters.StatusTrash)
}

func (s *MemoryStore) mutateLetter(id int64, fn func(letter *letters.Letter)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return ErrNotFound
	}
	fn(&letter)
	letter.UpdatedAt = s.now()
	s.letters[id] = letter
	return s.saveLocked()
}

func (s *MemoryStore) GetMeta(_ context.Context, id int64, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.meta[id][key]
	return value, ok, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, id int64, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[id]; !ok {
		return ErrNotFound
	}
	if s.meta[id] == nil {
		s.meta[id] = map[string]string{}
	}
	s.meta[id][key] = value
	return s.saveLocked()
}

func (s *MemoryStore) DeleteMeta(_ context.Context, id int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[id][key]; !ok {
		return nil
	}
	delete(s.meta[id], key)
	return s.saveLocked()
}

func (s *MemoryStore) AllMeta(_ context.Context, id int64) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStringMap(s.meta[id]), nil
}

func (s *MemoryStore) GetOption(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.options[key]
	return value, ok, nil
}

func (s *MemoryStore) SetOption(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[key] = value
	return s.saveLocked()
}

func (s *MemoryStore) DeleteOption(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.options, key)
	return s.saveLocked()
}

func (s *MemoryStore) UpdateOption(_ context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" || fn == nil {
		return ErrInvalidInput
	}
	s.optionMu.Lock()
	defer s.optionMu.Unlock()

	s.mu.RLock()
	current, exists := s.options[key]
	s.mu.RUnlock()
	next, err := fn(current, exists)
	if errors.Is(err, ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[key] = next
	return s.saveLocked()
}

func (s *MemoryStore) AddTransient(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.transients[key]; ok && now.Before(existing.ExpiresAt) {
		return false, nil
	}
	s.transients[key] = transient{Value: value, ExpiresAt: now.Add(ttl)}
	return true, s.saveLocked()
}

func (s *MemoryStore) GetTransient(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.transients[key]
	if !ok || !s.now().Before(existing.ExpiresAt) {
		return "", false, nil
	}
	return existing.Value, true, nil
}

func (s *MemoryStore) SetTransient(_ context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transients[key] = transient{Value: value, ExpiresAt: s.now().Add(ttl)}
	return s.saveLocked()
}

func (s *MemoryStore) DeleteTransient(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transients, key)
	return s.saveLocked()
}

func (s *MemoryStore) FindOrCreateTerm(_ context.Context, taxonomy, name string) (int64, error) {
	taxonomy = strings.TrimSpace(taxonomy)
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if taxonomy == "" || slug == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bySlug := s.terms[taxonomy]
	if bySlug == nil {
		bySlug = map[string]Term{}
		s.terms[taxonomy] = bySlug
	}
	if term, ok := bySlug[slug]; ok {
		return term.ID, nil
	}
	for _, term := range bySlug {
		if strings.EqualFold(term.Name, name) {
			return term.ID, nil
		}
	}
	s.nextTermID++
	term := Term{ID: s.nextTermID, Taxonomy: taxonomy, Slug: slug, Name: name}
	bySlug[slug] = term
	return term.ID, s.saveLocked()
}

func (s *MemoryStore) SetEntityTerms(_ context.Context, id int64, taxonomy string, termIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[id]; !ok {
		return ErrNotFound
	}
	if s.entityTerms[id] == nil {
		s.entityTerms[id] = map[string][]int64{}
	}
	s.entityTerms[id][taxonomy] = append([]int64(nil), termIDs...)
	return s.saveLocked()
}

func (s *MemoryStore) EntityTerms(_ context.Context, id int64, taxonomy string) ([]Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.entityTerms[id][taxonomy]
	out := make([]Term, 0, len(ids))
	for _, termID := range ids {
		for _, term := range s.terms[taxonomy] {
			if term.ID == termID {
				out = append(out, term)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLettersByStage(_ context.Context, stages []letters.Stage, limit int) ([]int64, error) {
	wanted := stageSet(stages)
	s.mu.RLock()
	ids := make([]int64, 0)
	for id, letter := range s.letters {
		if letter.Trashed() {
			continue
		}
		if _, ok := wanted[stageOf(s.meta[id])]; ok {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) CountLettersByStage(_ context.Context) (map[letters.Stage]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[letters.Stage]int{}
	for id, letter := range s.letters {
		if letter.Trashed() {
			continue
		}
		counts[stageOf(s.meta[id])]++
	}
	return counts, nil
}

func (s *MemoryStore) CountLettersByMeta(_ context.Context, key, value string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for id, letter := range s.letters {
		if letter.CreatedAt.Before(since) {
			continue
		}
		if current, ok := s.meta[id][key]; ok && current == value {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GroupLettersByMeta(_ context.Context, key string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := map[string]int{}
	for id, letter := range s.letters {
		if letter.Trashed() {
			continue
		}
		if value, ok := s.meta[id][key]; ok {
			groups[value]++
		}
	}
	return groups, nil
}

func (s *MemoryStore) CountLettersCreatedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, letter := range s.letters {
		if letter.Trashed() || letter.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return fmt.Errorf("load memory store snapshot: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	s.nextLetterID = snapshot.NextLetterID
	s.nextTermID = snapshot.NextTermID
	if snapshot.Letters != nil {
		s.letters = snapshot.Letters
	}
	if snapshot.Meta != nil {
		s.meta = snapshot.Meta
	}
	if snapshot.Options != nil {
		s.options = snapshot.Options
	}
	if snapshot.Transients != nil {
		s.transients = snapshot.Transients
	}
	if snapshot.Terms != nil {
		s.terms = snapshot.Terms
	}
	if snapshot.EntityTerms != nil {
		s.entityTerms = snapshot.EntityTerms
	}
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		NextLetterID: s.nextLetterID,
		NextTermID:   s.nextTermID,
		Letters:      s.letters,
		Meta:         s.meta,
		Options:      s.options,
		Transients:   s.transients,
		Terms:        s.terms,
		EntityTerms:  s.entityTerms,
	}
	return s.stateBackend.Save(&snapshot)
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
