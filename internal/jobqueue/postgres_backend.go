package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJobsTableName    = "letterflow_jobs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend claims jobs with FOR UPDATE SKIP LOCKED so several processes can share
// one table.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresJobsTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Kind() string {
	return "postgres"
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				hook TEXT NOT NULL,
				args TEXT NOT NULL DEFAULT '',
				args_key TEXT NOT NULL DEFAULT '',
				group_name TEXT NOT NULL DEFAULT '',
				run_at TIMESTAMPTZ NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				claimed_until TIMESTAMPTZ NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS %s ON %s (run_at)`,
			table, postgresQuoteIdentifier(b.tableName+"_run_at_idx"), table)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Add(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, b.insertQuery(), jobInsertArgs(job)...)
	return err
}

func (b *PostgresBackend) AddUnique(ctx context.Context, job Job) (bool, error) {
	if err := validateJob(job); err != nil {
		return false, err
	}
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresJobLockKey(job.Hook, job.ArgsKey, job.Group)); err != nil {
		return false, err
	}
	var exists bool
	existsQuery := fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE hook = $1 AND args_key = $2 AND group_name = $3)`,
		postgresQuoteIdentifier(b.tableName))
	if err := tx.QueryRowContext(ctx, existsQuery, job.Hook, job.ArgsKey, job.Group).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, b.insertQuery(), jobInsertArgs(job)...); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (b *PostgresBackend) insertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, hook, args, args_key, group_name, run_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, postgresQuoteIdentifier(b.tableName))
}

func jobInsertArgs(job Job) []any {
	return []any{job.ID, job.Hook, string(job.Args), job.ArgsKey, job.Group, job.RunAt.UTC(), job.Attempts, job.CreatedAt.UTC()}
}

func (b *PostgresBackend) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		WITH due AS (
			SELECT id
			FROM %s
			WHERE run_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY run_at ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s AS j
		SET claimed_until = $2
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.hook, j.args, j.args_key, j.group_name, j.run_at, j.attempts, j.created_at`, table, table)
	rows, err := b.db.QueryContext(ctx, query, now.UTC(), now.Add(lease).UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	claimed := make([]Job, 0, limit)
	for rows.Next() {
		var job Job
		var args string
		if err := rows.Scan(&job.ID, &job.Hook, &args, &job.ArgsKey, &job.Group, &job.RunAt, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, err
		}
		if args != "" {
			job.Args = []byte(args)
		}
		job.ClaimedUntil = now.Add(lease)
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

func (b *PostgresBackend) Complete(ctx context.Context, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, id)
	return err
}

func (b *PostgresBackend) Release(ctx context.Context, id string, runAt time.Time, attempts int) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET claimed_until = NULL, run_at = $2, attempts = $3 WHERE id = $1`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, id, runAt.UTC(), attempts)
	return err
}

func (b *PostgresBackend) HasPending(ctx context.Context, hook, argsKey, group string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE ($1 = '' OR hook = $1) AND ($2 = '' OR args_key = $2) AND ($3 = '' OR group_name = $3)
		)`, postgresQuoteIdentifier(b.tableName))
	var exists bool
	if err := b.db.QueryRowContext(ctx, query, hook, argsKey, group).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (b *PostgresBackend) Cancel(ctx context.Context, hook, group string) (int, error) {
	if strings.TrimSpace(group) == "" && strings.TrimSpace(hook) == "" {
		return 0, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE ($1 = '' OR hook = $1) AND ($2 = '' OR group_name = $2)`, postgresQuoteIdentifier(b.tableName))
	result, err := b.db.ExecContext(ctx, query, hook, group)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (b *PostgresBackend) Pending(ctx context.Context) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(b.tableName))
	var depth int
	if err := b.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresJobLockKey(hook, argsKey, group string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresJobsTableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(hook))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(argsKey))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(group))
	return int64(hasher.Sum64())
}
