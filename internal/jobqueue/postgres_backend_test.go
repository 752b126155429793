package jobqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new failed: %v", err)
	}
	backend, err := NewPostgresBackend("postgres://letterflow@localhost/letterflow?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres backend failed: %v", err)
	}
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return db, nil
	}
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "letterflow_jobs"`).WillReturnResult(sqlmock.NewResult(0, 0))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return backend, mock
}

func TestPostgresBackendClaimUsesSkipLocked(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "hook", "args", "args_key", "group_name", "run_at", "attempts", "created_at"}).
		AddRow("job-1", "process_letter", "[7]", "[7]", "", now, 0, now)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, now.Add(time.Minute), 5).
		WillReturnRows(rows)

	jobs, err := backend.Claim(context.Background(), now, time.Minute, 5)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" || string(jobs[0].Args) != "[7]" {
		t.Fatalf("unexpected claimed jobs: %+v", jobs)
	}
	if !jobs[0].ClaimedUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected claim lease on returned job, got %s", jobs[0].ClaimedUntil)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackendAddUniqueTakesAdvisoryLock(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	now := time.Now().UTC()
	job := Job{ID: "job-2", Hook: "process_letter", Args: []byte("[9]"), ArgsKey: "[9]", RunAt: now, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(postgresJobLockKey("process_letter", "[9]", "")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("process_letter", "[9]", "").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO "letterflow_jobs"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	added, err := backend.AddUnique(context.Background(), job)
	if err != nil || !added {
		t.Fatalf("expected job to be added, got %v err=%v", added, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	added, err = backend.AddUnique(context.Background(), job)
	if err != nil || added {
		t.Fatalf("expected duplicate to be skipped, got %v err=%v", added, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackendCancelByGroup(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	mock.ExpectExec(`DELETE FROM "letterflow_jobs"`).
		WithArgs("", "letterflow-import-abc").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := backend.Cancel(context.Background(), "", "letterflow-import-abc")
	if err != nil || removed != 3 {
		t.Fatalf("expected three cancelled jobs, got %d err=%v", removed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`odd"name`); got != `"odd""name"` {
		t.Fatalf("unexpected quoted identifier: %s", got)
	}
}
