package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/reasonstostay/letterflow/internal/letters"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

type SQLStoreOptions struct {
	Dialect       string
	DSN           string
	Now           func() time.Time
	SkipMigration bool
	openDB        sqlOpenFunc
}

// SQLStore persists letters, meta, options, transients and terms in postgres or sqlite.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	now     func() time.Time
	hooks   saveHooks
}

type letterRow struct {
	ID        int64  `db:"id"`
	Type      string `db:"post_type"`
	Title     string `db:"title"`
	Content   string `db:"content"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r letterRow) toLetter() letters.Letter {
	return letters.Letter{
		ID:        r.ID,
		Type:      r.Type,
		Title:     r.Title,
		Content:   r.Content,
		Status:    letters.Status(r.Status),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

func NewSQLStore(opts SQLStoreOptions) (*SQLStore, error) {
	dialect := strings.ToLower(strings.TrimSpace(opts.Dialect))
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	var driverName string
	switch dialect {
	case "postgres", "postgresql":
		dialect = "postgres"
		driverName = "postgres"
	case "sqlite", "sqlite3":
		dialect = "sqlite"
		driverName = "sqlite"
		dsn = sqliteDSNWithPragmas(dsn)
	default:
		return nil, fmt.Errorf("%w: sql dialect %s", ErrNotImplemented, dialect)
	}
	openDB := opts.openDB
	if openDB == nil {
		openDB = sqlx.Open
	}
	db, err := openDB(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !opts.SkipMigration {
		if err := migrateSchema(db.DB, dialect); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SQLStore{db: db, dialect: dialect, now: now}, nil
}

func sqliteDSNWithPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (s *SQLStore) Kind() string {
	return s.dialect
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) OnLetterSaved(hook SaveHook) {
	s.hooks.add(hook)
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func (s *SQLStore) CreateLetter(ctx context.Context, letter letters.Letter, origin letters.WriteOrigin) (int64, error) {
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
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO letterflow_letters (post_type, title, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		letter.Type, letter.Title, letter.Content, string(letter.Status), letter.CreatedAt.UnixMilli(), now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	s.hooks.fire(ctx, SaveEvent{LetterID: id, Origin: origin, Created: true})
	return id, nil
}

func (s *SQLStore) GetLetter(ctx context.Context, id int64) (letters.Letter, error) {
	var row letterRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, post_type, title, content, status, created_at, updated_at
		FROM letterflow_letters WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return letters.Letter{}, ErrNotFound
	}
	if err != nil {
		return letters.Letter{}, err
	}
	return row.toLetter(), nil
}

func (s *SQLStore) UpdateLetterContent(ctx context.Context, id int64, content string, origin letters.WriteOrigin) error {
	if err := s.updateLetterColumn(ctx, id, "content", content); err != nil {
		return err
	}
	s.hooks.fire(ctx, SaveEvent{LetterID: id, Origin: origin})
	return nil
}

func (s *SQLStore) UpdateLetterTitle(ctx context.Context, id int64, title string) error {
	return s.updateLetterColumn(ctx, id, "title", title)
}

func (s *SQLStore) SetLetterStatus(ctx context.Context, id int64, status letters.Status) error {
	return s.updateLetterColumn(ctx, id, "status", string(status))
}

func (s *SQLStore) TrashLetter(ctx context.Context, id int64) error {
	return s.SetLetterStatus(ctx, id, letters.StatusTrash)
}

func (s *SQLStore) updateLetterColumn(ctx context.Context, id int64, column, value string) error {
	query := fmt.Sprintf("UPDATE letterflow_letters SET %s = ?, updated_at = ? WHERE id = ?", column)
	result, err := s.db.ExecContext(ctx, s.q(query), value, s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetMeta(ctx context.Context, id int64, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.q(`
		SELECT meta_value FROM letterflow_letter_meta WHERE letter_id = ? AND meta_key = ?`), id, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetMeta(ctx context.Context, id int64, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO letterflow_letter_meta (letter_id, meta_key, meta_value)
		VALUES (?, ?, ?)
		ON CONFLICT (letter_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`), id, key, value)
	if err != nil && isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) DeleteMeta(ctx context.Context, id int64, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM letterflow_letter_meta WHERE letter_id = ? AND meta_key = ?`), id, key)
	return err
}

func (s *SQLStore) AllMeta(ctx context.Context, id int64) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, s.q(`SELECT meta_key, meta_value FROM letterflow_letter_meta WHERE letter_id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLStore) GetOption(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.q(`SELECT option_value FROM letterflow_options WHERE option_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetOption(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return upsertOption(ctx, s.db, s.q, key, value)
}

func (s *SQLStore) DeleteOption(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM letterflow_options WHERE option_key = ?`), key)
	return err
}

func (s *SQLStore) UpdateOption(ctx context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" || fn == nil {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := `SELECT option_value FROM letterflow_options WHERE option_key = ?`
	if s.dialect == "postgres" {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", optionLockKey(key)); err != nil {
			return err
		}
		selectQuery += " FOR UPDATE"
	}
	var current string
	exists := true
	if err := tx.GetContext(ctx, &current, tx.Rebind(selectQuery), key); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		exists = false
	}
	next, err := fn(current, exists)
	if errors.Is(err, ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := upsertOption(ctx, tx, tx.Rebind, key, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func upsertOption(ctx context.Context, exec sqlx.ExecerContext, rebind func(string) string, key, value string) error {
	_, err := exec.ExecContext(ctx, rebind(`
		INSERT INTO letterflow_options (option_key, option_value)
		VALUES (?, ?)
		ON CONFLICT (option_key) DO UPDATE SET option_value = excluded.option_value`), key, value)
	return err
}

func (s *SQLStore) AddTransient(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM letterflow_transients WHERE transient_key = ? AND expires_at <= ?`), key, now.UnixMilli()); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO letterflow_transients (transient_key, transient_value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (transient_key) DO NOTHING`), key, value, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLStore) GetTransient(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.q(`
		SELECT transient_value FROM letterflow_transients WHERE transient_key = ? AND expires_at > ?`), key, s.now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetTransient(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO letterflow_transients (transient_key, transient_value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (transient_key) DO UPDATE SET transient_value = excluded.transient_value, expires_at = excluded.expires_at`),
		key, value, s.now().Add(ttl).UnixMilli())
	return err
}

func (s *SQLStore) DeleteTransient(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM letterflow_transients WHERE transient_key = ?`), key)
	return err
}

func (s *SQLStore) FindOrCreateTerm(ctx context.Context, taxonomy, name string) (int64, error) {
	taxonomy = strings.TrimSpace(taxonomy)
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if taxonomy == "" || slug == "" {
		return 0, ErrInvalidInput
	}
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`SELECT id FROM letterflow_terms WHERE taxonomy = ? AND slug = ?`), taxonomy, slug)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = s.db.GetContext(ctx, &id, s.q(`
		SELECT id FROM letterflow_terms WHERE taxonomy = ? AND LOWER(name) = LOWER(?) ORDER BY id LIMIT 1`), taxonomy, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO letterflow_terms (taxonomy, slug, name) VALUES (?, ?, ?)
		ON CONFLICT (taxonomy, slug) DO NOTHING`), taxonomy, slug, name); err != nil {
		return 0, err
	}
	err = s.db.GetContext(ctx, &id, s.q(`SELECT id FROM letterflow_terms WHERE taxonomy = ? AND slug = ?`), taxonomy, slug)
	return id, err
}

func (s *SQLStore) SetEntityTerms(ctx context.Context, id int64, taxonomy string, termIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM letterflow_entity_terms WHERE letter_id = ? AND taxonomy = ?`), id, taxonomy); err != nil {
		return err
	}
	for _, termID := range termIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO letterflow_entity_terms (letter_id, taxonomy, term_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`), id, taxonomy, termID); err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) EntityTerms(ctx context.Context, id int64, taxonomy string) ([]Term, error) {
	terms := []Term{}
	err := s.db.SelectContext(ctx, &terms, s.q(`
		SELECT t.id, t.taxonomy, t.slug, t.name
		FROM letterflow_entity_terms et
		JOIN letterflow_terms t ON t.id = et.term_id
		WHERE et.letter_id = ? AND et.taxonomy = ?
		ORDER BY t.id`), id, taxonomy)
	return terms, err
}

const stageExpr = "COALESCE(m.meta_value, 'unprocessed')"

func (s *SQLStore) ListLettersByStage(ctx context.Context, stages []letters.Stage, limit int) ([]int64, error) {
	if len(stages) == 0 {
		return []int64{}, nil
	}
	values := make([]string, 0, len(stages))
	for _, stage := range stages {
		values = append(values, string(stage))
	}
	query, args, err := sqlx.In(`
		SELECT l.id
		FROM letterflow_letters l
		LEFT JOIN letterflow_letter_meta m ON m.letter_id = l.id AND m.meta_key = 'workflow_stage'
		WHERE l.status <> 'trash' AND `+stageExpr+` IN (?)
		ORDER BY l.id ASC`, values)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	ids := []int64{}
	if err := s.db.SelectContext(ctx, &ids, s.q(query), args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLStore) CountLettersByStage(ctx context.Context) (map[letters.Stage]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+stageExpr+` AS stage, COUNT(*) AS total
		FROM letterflow_letters l
		LEFT JOIN letterflow_letter_meta m ON m.letter_id = l.id AND m.meta_key = 'workflow_stage'
		WHERE l.status <> 'trash'
		GROUP BY `+stageExpr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[letters.Stage]int{}
	for rows.Next() {
		var stage string
		var total int
		if err := rows.Scan(&stage, &total); err != nil {
			return nil, err
		}
		counts[letters.Stage(stage)] = total
	}
	return counts, rows.Err()
}

func (s *SQLStore) CountLettersByMeta(ctx context.Context, key, value string, since time.Time) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, s.q(`
		SELECT COUNT(*)
		FROM letterflow_letters l
		JOIN letterflow_letter_meta m ON m.letter_id = l.id
		WHERE m.meta_key = ? AND m.meta_value = ? AND l.created_at >= ?`), key, value, since.UnixMilli())
	return total, err
}

func (s *SQLStore) GroupLettersByMeta(ctx context.Context, key string) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, s.q(`
		SELECT m.meta_value, COUNT(*)
		FROM letterflow_letters l
		JOIN letterflow_letter_meta m ON m.letter_id = l.id
		WHERE m.meta_key = ? AND l.status <> 'trash'
		GROUP BY m.meta_value`), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := map[string]int{}
	for rows.Next() {
		var value string
		var total int
		if err := rows.Scan(&value, &total); err != nil {
			return nil, err
		}
		groups[value] = total
	}
	return groups, rows.Err()
}

func (s *SQLStore) CountLettersCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, s.q(`
		SELECT COUNT(*) FROM letterflow_letters WHERE status <> 'trash' AND created_at >= ?`), since.UnixMilli())
	return total, err
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key")
}
