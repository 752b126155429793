package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in memory. With a path it snapshots every mutation to a JSON
// file and reloads it on start.
type MemoryBackend struct {
	path string
	mu   sync.Mutex
	jobs []Job
}

type memoryBackendState struct {
	Jobs []Job `json:"jobs"`
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: []Job{}}
}

func NewFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &MemoryBackend{path: path, jobs: []Job{}}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MemoryBackend) Kind() string {
	if b.path != "" {
		return "file"
	}
	return "memory"
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) Add(_ context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(job)
}

func (b *MemoryBackend) AddUnique(_ context.Context, job Job) (bool, error) {
	if err := validateJob(job); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.jobs {
		if existing.Hook == job.Hook && existing.ArgsKey == job.ArgsKey && existing.Group == job.Group {
			return false, nil
		}
	}
	if err := b.appendLocked(job); err != nil {
		return false, err
	}
	return true, nil
}

func (b *MemoryBackend) appendLocked(job Job) error {
	b.jobs = append(b.jobs, job)
	if err := b.saveLocked(); err != nil {
		b.jobs = b.jobs[:len(b.jobs)-1]
		return err
	}
	return nil
}

func (b *MemoryBackend) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	due := make([]int, 0)
	for i, job := range b.jobs {
		if job.RunAt.After(now) || job.claimed(now) {
			continue
		}
		due = append(due, i)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return b.jobs[due[i]].RunAt.Before(b.jobs[due[j]].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]Job, 0, len(due))
	for _, idx := range due {
		b.jobs[idx].ClaimedUntil = now.Add(lease)
		claimed = append(claimed, b.jobs[idx])
	}
	if len(claimed) > 0 {
		if err := b.saveLocked(); err != nil {
			for _, idx := range due {
				b.jobs[idx].ClaimedUntil = time.Time{}
			}
			return nil, err
		}
	}
	return claimed, nil
}

func (b *MemoryBackend) Complete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, job := range b.jobs {
		if job.ID == id {
			b.jobs = append(b.jobs[:i], b.jobs[i+1:]...)
			return b.saveLocked()
		}
	}
	return nil
}

func (b *MemoryBackend) Release(_ context.Context, id string, runAt time.Time, attempts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.jobs {
		if b.jobs[i].ID == id {
			b.jobs[i].ClaimedUntil = time.Time{}
			b.jobs[i].RunAt = runAt
			b.jobs[i].Attempts = attempts
			return b.saveLocked()
		}
	}
	return nil
}

func (b *MemoryBackend) HasPending(_ context.Context, hook, argsKey, group string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, job := range b.jobs {
		if matches(job, hook, argsKey, group) {
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBackend) Cancel(_ context.Context, hook, group string) (int, error) {
	if strings.TrimSpace(group) == "" && strings.TrimSpace(hook) == "" {
		return 0, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.jobs[:0]
	removed := 0
	for _, job := range b.jobs {
		if matches(job, hook, "", group) {
			removed++
			continue
		}
		kept = append(kept, job)
	}
	b.jobs = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, b.saveLocked()
}

func (b *MemoryBackend) Pending(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs), nil
}

func (b *MemoryBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot memoryBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	b.jobs = append([]Job(nil), snapshot.Jobs...)
	// Claims do not survive a restart; the process that held them is gone.
	for i := range b.jobs {
		b.jobs[i].ClaimedUntil = time.Time{}
	}
	return nil
}

func (b *MemoryBackend) saveLocked() error {
	if b.path == "" {
		return nil
	}
	data, err := json.Marshal(memoryBackendState{Jobs: b.jobs})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
