package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reasonstostay/letterflow/internal/jobqueue"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

type enqueued struct {
	id    int64
	group string
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
}

func (e *recordingEnqueuer) EnqueueLetter(_ context.Context, id int64, group string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, enqueued{id: id, group: group})
	return true, nil
}

type fixture struct {
	store    *storage.MemoryStore
	queue    *jobqueue.Scheduler
	enqueuer *recordingEnqueuer
	orch     *Orchestrator
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	f := &fixture{
		store:    storage.NewMemoryStore(),
		queue:    jobqueue.NewScheduler(jobqueue.Options{Backend: jobqueue.NewMemoryBackend(), ClaimBatch: 100}),
		enqueuer: &recordingEnqueuer{},
		dir:      t.TempDir(),
	}
	f.orch = New(Options{Store: f.store, Queue: f.queue, Enqueuer: f.enqueuer, Now: now})
	f.orch.Register(f.queue)
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		ran, err := f.queue.RunDue(ctx)
		require.NoError(t, err)
		if ran == 0 {
			return
		}
	}
}

func requireStartCode(t *testing.T, err error, code string) {
	t.Helper()
	var startErr *StartError
	require.True(t, errors.As(err, &startErr), "expected StartError, got %v", err)
	require.Equal(t, code, startErr.Code)
}

func TestStartImportRejectsBeforeWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noQueue := New(Options{Store: f.store, Queue: jobqueue.NewScheduler(jobqueue.Options{})})
	_, err := noQueue.StartImport(ctx, f.write(t, "a.csv", "content\nhello\n"))
	requireStartCode(t, err, CodeQueueUnavailable)

	_, err = f.orch.StartImport(ctx, f.write(t, "a.txt", "hello"))
	requireStartCode(t, err, CodeUnsupportedFormat)

	_, err = f.orch.StartImport(ctx, filepath.Join(f.dir, "missing.csv"))
	requireStartCode(t, err, CodeFileUnreadable)

	_, err = f.orch.StartImport(ctx, f.write(t, "broken.json", `[{"content": "x"`))
	requireStartCode(t, err, CodeInvalidJSON)

	_, err = f.orch.StartImport(ctx, f.write(t, "object.json", `{"content": "x"}`))
	requireStartCode(t, err, CodeInvalidJSON)

	big := filepath.Join(f.dir, "big.json")
	file, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, file.Truncate(maxJSONBytes+1))
	require.NoError(t, file.Close())
	_, err = f.orch.StartImport(ctx, big)
	requireStartCode(t, err, CodeJSONTooLarge)

	_, ok, err := f.orch.Current(ctx)
	require.NoError(t, err)
	require.False(t, ok, "rejected imports must not leave a job behind")
	pending, _ := f.queue.Pending(ctx)
	require.Zero(t, pending)
}

func TestStartImportCSVInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var b strings.Builder
	b.WriteString("Letter,Subject,IP\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "\"Dear stranger, note %d, with a comma\",Hello,203.0.113.%d\n", i, i%250)
	}
	path := f.write(t, "letters.csv", b.String())

	result, err := f.orch.StartImport(ctx, path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 120, result.Total)
	require.Equal(t, 3, result.ScheduledBatches)

	pending, err := f.queue.HasPending(ctx, HookImportBatch, nil, groupFor(result.JobID))
	require.NoError(t, err)
	require.True(t, pending)

	f.drain(t)
	status, ok, err := f.orch.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 120, status.Processed)
	require.Zero(t, status.Errors)
	require.Equal(t, 3, status.Batches)
	require.NotNil(t, status.CompletedAt)
	require.Len(t, f.enqueuer.calls, 120)
	require.Equal(t, groupFor(result.JobID), f.enqueuer.calls[0].group)

	letter, err := f.store.GetLetter(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Letter 2026-03-01 #1", letter.Title)
	require.Equal(t, "Dear stranger, note 0, with a comma", letter.Content)
	require.Equal(t, letters.StatusPending, letter.Status)
	meta, err := f.store.AllMeta(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, string(letters.StageUnprocessed), meta[letters.MetaStage])
	require.Equal(t, "203.0.113.0", meta[letters.MetaSubmissionIP])
	require.Len(t, meta[letters.MetaImportHash], 64)
	require.Equal(t, result.JobID, meta[letters.MetaImportJobID])
	require.Equal(t, "Hello", meta[letters.MetaImportTitle])
}

func TestStartImportWithoutContentColumn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "wrong.csv", "letter_text,author_name\nhello,ann\nhi,bob\nhey,cy\n")

	result, err := f.orch.StartImport(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.Zero(t, result.ScheduledBatches)

	status, ok, err := f.orch.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, status.Errors)
	require.Zero(t, status.Processed)
	require.NotNil(t, status.CompletedAt)
}

func TestStartImportNDJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "letters.ndjson", strings.Join([]string{
		`{"message": "first letter", "ip": "not-an-ip"}`,
		``,
		`{"Body": "second letter", "title": "kept"}`,
		`not json`,
		`{"author": "nobody"}`,
		`["array"]`,
	}, "\n"))

	result, err := f.orch.StartImport(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 5, result.Total)
	require.Equal(t, 1, result.ScheduledBatches)

	f.drain(t)
	status, _, err := f.orch.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Processed)
	require.Equal(t, 3, status.Errors)
	require.LessOrEqual(t, status.Processed+status.Errors, status.Total)

	_, hasIP, err := f.store.GetMeta(ctx, 1, letters.MetaSubmissionIP)
	require.NoError(t, err)
	require.False(t, hasIP, "invalid addresses are not stored")
	second, err := f.store.GetLetter(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "second letter", second.Content)
}

func TestStartImportJSONArray(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "letters.json", `[{"letter": "one"}, 7, {"content": "two", "submission_ip": "2001:db8::1"}]`)

	result, err := f.orch.StartImport(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	f.drain(t)

	status, _, _ := f.orch.Current(ctx)
	require.Equal(t, 2, status.Processed)
	require.Equal(t, 1, status.Errors)
	ip, ok, err := f.store.GetMeta(ctx, 2, letters.MetaSubmissionIP)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2001:db8::1", ip)
}

func TestSupersededBatchesAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.StartImport(ctx, f.write(t, "a.csv", "content\nalpha\nbeta\n"))
	require.NoError(t, err)
	second, err := f.orch.StartImport(ctx, f.write(t, "b.csv", "content\ngamma\n"))
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, second.JobID)

	_, err = f.orch.ProcessBatch(ctx, BatchArgs{JobID: first.JobID, Records: []Record{{Content: "alpha"}}})
	require.ErrorIs(t, err, ErrJobSuperseded)

	f.drain(t)
	status, _, _ := f.orch.Current(ctx)
	require.Equal(t, second.JobID, status.JobID)
	require.Equal(t, 1, status.Processed)
	_, err = f.store.GetLetter(ctx, 2)
	require.ErrorIs(t, err, storage.ErrNotFound, "superseded batches must not create letters")
	pending, _ := f.queue.Pending(ctx)
	require.Zero(t, pending)
}

func TestRedeliveredBatchCreatesNoDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.orch.StartImport(ctx, f.write(t, "a.csv", "content\nalpha\nbeta\n"))
	require.NoError(t, err)
	args := BatchArgs{JobID: result.JobID, Batch: 1, Records: []Record{{Content: "alpha"}, {Content: "beta"}}}

	// An earlier delivery created the first record and stopped before counting.
	_, err = f.orch.createLetter(ctx, result.JobID, recordKey(result.JobID, 1, 0), args.Records[0])
	require.NoError(t, err)

	f.drain(t)
	status, _, err := f.orch.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Processed)
	require.Zero(t, status.Errors)
	require.Equal(t, []int{1}, status.DoneBatches)

	again, err := f.orch.ProcessBatch(ctx, args)
	require.NoError(t, err)
	require.Equal(t, 2, again.Processed)

	counts, err := f.store.CountLettersByStage(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[letters.StageUnprocessed])
	require.Len(t, f.enqueuer.calls, 2)
}

func TestCancelUnschedulesBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.orch.StartImport(ctx, f.write(t, "a.csv", "content\nalpha\nbeta\n"))
	require.NoError(t, err)

	status, err := f.orch.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, result.JobID, status.JobID)

	_, ok, _ := f.orch.Current(ctx)
	require.False(t, ok)
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	_, err = f.orch.Cancel(ctx)
	require.ErrorIs(t, err, ErrNoActiveJob)

	_, err = f.orch.ProcessBatch(ctx, BatchArgs{JobID: result.JobID, Records: []Record{{Content: "late"}}})
	require.ErrorIs(t, err, ErrJobSuperseded)
}

func TestStartErrorMessage(t *testing.T) {
	err := &StartError{Code: CodeInvalidJSON, Err: errInvalidJSON}
	require.Equal(t, "invalid_json: import file is not a JSON array", err.Error())
	require.ErrorIs(t, err, errInvalidJSON)
	require.Equal(t, "queue_unavailable", (&StartError{Code: CodeQueueUnavailable}).Error())
}
