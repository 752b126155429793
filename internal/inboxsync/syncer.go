// Package inboxsync uploads import files dropped into a directory to the letterflow admin API.
package inboxsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	processedDirName = "processed"
	failedDirName    = "failed"
	stateFileName    = ".letterflow-inbox-state.json"
	historyLimit     = 200
	defaultSettle    = 2 * time.Second
	defaultDebounce  = 500 * time.Millisecond
)

var supportedExts = map[string]struct{}{".csv": {}, ".json": {}, ".ndjson": {}}

type Options struct {
	Dir       string
	StateFile string
	// Settle skips files modified more recently than this, so half-written drops wait.
	Settle   time.Duration
	Debounce time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// CycleResult summarises one SyncOnce pass.
type CycleResult struct {
	Uploaded   []string
	Failed     []string
	Duplicates []string
	Deferred   []string
	// Waiting is set when a running import held back the remaining files.
	Waiting bool
}

type Syncer struct {
	client    Uploader
	dir       string
	stateFile string
	settle    time.Duration
	debounce  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	state  inboxState
	loaded bool
}

type inboxState struct {
	Uploads []uploadRecord `json:"uploads"`
}

type uploadRecord struct {
	File       string    `json:"file"`
	Hash       string    `json:"hash"`
	JobID      string    `json:"jobId"`
	Total      int       `json:"total"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func NewSyncer(client Uploader, opts Options) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	dirRaw := strings.TrimSpace(opts.Dir)
	if dirRaw == "" {
		return nil, fmt.Errorf("inbox directory is required")
	}
	dir := filepath.Clean(dirRaw)
	for _, sub := range []string{dir, filepath.Join(dir, processedDirName), filepath.Join(dir, failedDirName)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, err
		}
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(dir, stateFileName)
	}
	s := &Syncer{
		client:    client,
		dir:       dir,
		stateFile: stateFile,
		settle:    opts.Settle,
		debounce:  opts.Debounce,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.settle < 0 {
		s.settle = 0
	} else if s.settle == 0 {
		s.settle = defaultSettle
	}
	if s.debounce <= 0 {
		s.debounce = defaultDebounce
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// SyncOnce uploads every settled file in the inbox, oldest name first. Only one import runs
// on the server at a time, so the pass stops while one is in progress.
func (s *Syncer) SyncOnce(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CycleResult
	if err := s.loadState(); err != nil {
		return result, err
	}
	files, deferred, err := s.scanInbox()
	if err != nil {
		return result, err
	}
	result.Deferred = deferred
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return result, err
		}
		hash := hashBytes(data)
		if prior, ok := s.uploaded(hash); ok {
			s.logger.Info("inbox file already uploaded", zap.String("file", name), zap.String("job_id", prior.JobID))
			if err := s.move(path, processedDirName); err != nil {
				return result, err
			}
			result.Duplicates = append(result.Duplicates, name)
			continue
		}

		active, running, err := s.client.Active(ctx)
		if err != nil {
			return result, fmt.Errorf("check running import: %w", err)
		}
		if running {
			s.logger.Info("import in progress, holding inbox",
				zap.String("job_id", active.JobID),
				zap.Int("processed", active.Processed),
				zap.Int("total", active.Total),
			)
			result.Waiting = true
			break
		}

		upload, err := s.client.Upload(ctx, path)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.Permanent() {
				s.logger.Warn("inbox file rejected", zap.String("file", name), zap.Error(err))
				if moveErr := s.fail(path, err); moveErr != nil {
					return result, moveErr
				}
				result.Failed = append(result.Failed, name)
				continue
			}
			// Transient failures leave the file for the next pass.
			return result, fmt.Errorf("upload %s: %w", name, err)
		}
		s.remember(uploadRecord{File: name, Hash: hash, JobID: upload.JobID, Total: upload.Total, UploadedAt: s.now().UTC()})
		if err := s.saveState(); err != nil {
			return result, err
		}
		if err := s.move(path, processedDirName); err != nil {
			return result, err
		}
		s.logger.Info("inbox file uploaded",
			zap.String("file", name),
			zap.String("job_id", upload.JobID),
			zap.Int("total", upload.Total),
		)
		result.Uploaded = append(result.Uploaded, name)
	}
	return result, nil
}

// Watch runs SyncOnce on every settled change in the inbox and at least once per interval
// until ctx is done.
func (s *Syncer) Watch(ctx context.Context, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	run := func() {
		result, err := s.SyncOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("inbox sync cycle failed", zap.Error(err))
			return
		}
		if len(result.Uploaded)+len(result.Failed)+len(result.Duplicates) > 0 {
			s.logger.Info("inbox sync cycle completed",
				zap.Int("uploaded", len(result.Uploaded)),
				zap.Int("failed", len(result.Failed)),
				zap.Int("duplicates", len(result.Duplicates)),
			)
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	debounce := time.NewTimer(s.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Dir(filepath.Clean(event.Name)) != s.dir || !supported(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(s.debounce + s.settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("inbox watcher error", zap.Error(err))
			}
		case <-debounce.C:
			run()
		case <-ticker.C:
			run()
		}
	}
}

func (s *Syncer) scanInbox() (ready, deferred []string, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	cutoff := s.now().Add(-s.settle)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !supported(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, err
		}
		if s.settle > 0 && info.ModTime().After(cutoff) {
			deferred = append(deferred, name)
			continue
		}
		ready = append(ready, name)
	}
	sort.Strings(ready)
	sort.Strings(deferred)
	return ready, deferred, nil
}

func supported(name string) bool {
	_, ok := supportedExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// move files the inbox entry under sub, prefixed with a timestamp so repeated names never collide.
func (s *Syncer) move(path, sub string) error {
	target := filepath.Join(s.dir, sub, s.now().UTC().Format("20060102T150405Z")+"-"+filepath.Base(path))
	return os.Rename(path, target)
}

func (s *Syncer) fail(path string, cause error) error {
	base := s.now().UTC().Format("20060102T150405Z") + "-" + filepath.Base(path)
	target := filepath.Join(s.dir, failedDirName, base)
	if err := os.Rename(path, target); err != nil {
		return err
	}
	return writeFileAtomic(target+".error.txt", []byte(cause.Error()+"\n"), 0o644)
}

func (s *Syncer) uploaded(hash string) (uploadRecord, bool) {
	for _, record := range s.state.Uploads {
		if record.Hash == hash {
			return record, true
		}
	}
	return uploadRecord{}, false
}

func (s *Syncer) remember(record uploadRecord) {
	s.state.Uploads = append(s.state.Uploads, record)
	if over := len(s.state.Uploads) - historyLimit; over > 0 {
		s.state.Uploads = s.state.Uploads[over:]
	}
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return err
	}
	var state inboxState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode inbox state: %w", err)
	}
	s.state = state
	s.loaded = true
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
