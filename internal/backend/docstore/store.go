// Package docstore keeps questions as JSON documents in SQLite, one row per
// document in a shared table partitioned by collection. It is the primary
// document store: it filters and samples, but regex, full-text and grouping
// queries are left to the secondary.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

const Capabilities = query.CapSample

type Store struct {
	db         *sql.DB
	name       string
	collection string
	now        func() time.Time
}

func New(db *sql.DB, name, collection string) *Store {
	return &Store{db: db, name: name, collection: collection, now: time.Now}
}

var _ backend.Repository = (*Store)(nil)

func (s *Store) Name() string                   { return s.name }
func (s *Store) Capabilities() query.Capability { return Capabilities }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close(ctx context.Context) error { return s.db.Close() }

// ── Filter translation ──────────────────────────────────

const (
	colSubject    = "json_extract(doc, '$.subject')"
	colChapter    = "json_extract(doc, '$.chapter')"
	colDifficulty = "json_extract(doc, '$.difficulty')"
	colActive     = "json_extract(doc, '$.is_active')"
	colAttempts   = "json_extract(doc, '$.statistics.total_attempts')"
)

// where renders f as a WHERE clause over the documents table.
func (s *Store) where(f query.Filter) (string, []any) {
	f = f.Normalize()
	conds := []string{"collection = ?"}
	args := []any{s.collection}

	in := func(expr string, values []string, negate bool) {
		if len(values) == 0 {
			return
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = "?"
			args = append(args, v)
		}
		op := " IN ("
		if negate {
			op = " NOT IN ("
		}
		conds = append(conds, expr+op+strings.Join(marks, ", ")+")")
	}

	if !f.IncludeInactive {
		conds = append(conds, colActive+" = 1")
	}
	in(colSubject, f.Subjects, false)
	in(colChapter, f.Chapters, false)
	if f.Difficulty != "" {
		conds = append(conds, colDifficulty+" = ?")
		args = append(args, string(f.Difficulty))
	}
	if len(f.Tags) > 0 {
		marks := make([]string, len(f.Tags))
		for i, t := range f.Tags {
			marks[i] = "?"
			args = append(args, t)
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(doc, '$.tags') t WHERE t.value IN ("+strings.Join(marks, ", ")+"))")
	}
	in("id", f.IDs, false)
	in("id", f.ExcludeIDs, true)

	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(field query.SortField, desc bool) string {
	dir := " ASC"
	if desc {
		dir = " DESC"
	}
	switch field {
	case query.SortTotalAttempts:
		return " ORDER BY " + colAttempts + dir + ", created_at" + dir + ", id" + dir
	case query.SortDifficulty:
		return " ORDER BY CASE " + colDifficulty + " WHEN 'easy' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END" + dir +
			", created_at" + dir + ", id" + dir
	default:
		return " ORDER BY created_at" + dir + ", id" + dir
	}
}

func (s *Store) supports(q query.Query) error {
	if need := q.Requires(); !Capabilities.Has(need) {
		return fmt.Errorf("docstore: %s: %w", need, dberr.ErrUnsupportedQuery)
	}
	return nil
}

// ── Reads ───────────────────────────────────────────────

func (s *Store) FindByID(ctx context.Context, id string) (*models.Question, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`, s.collection, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	return decode(doc)
}

func (s *Store) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	if err := s.supports(q); err != nil {
		return nil, err
	}
	where, args := s.where(q.Filter)
	stmt := "SELECT doc FROM documents" + where + orderBy(q.Sort, q.Desc)
	if q.Limit > 0 || q.Skip > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Skip)
	}
	return s.queryDocs(ctx, "find", stmt, args...)
}

func (s *Store) CountDocuments(ctx context.Context, q query.Query) (int64, error) {
	if err := s.supports(q); err != nil {
		return 0, err
	}
	where, args := s.where(q.Filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *Store) Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error) {
	if n <= 0 {
		return []models.Question{}, nil
	}
	where, args := s.where(f)
	args = append(args, n)
	return s.queryDocs(ctx, "sample", "SELECT doc FROM documents"+where+" ORDER BY random() LIMIT ?", args...)
}

func (s *Store) Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error) {
	return nil, fmt.Errorf("docstore: aggregate: %w", dberr.ErrUnsupportedQuery)
}

func (s *Store) queryDocs(ctx context.Context, op, stmt string, args ...any) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Question, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		q, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ── Writes ──────────────────────────────────────────────

func (s *Store) Create(ctx context.Context, q *models.Question) error {
	return s.insert(ctx, s.db, q)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, db execer, q *models.Question) error {
	now := s.now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	doc, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode %s: %w", q.ID, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.collection, q.ID, string(doc), q.CreatedAt.UnixNano(), q.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", q.ID, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	var out *models.Question
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.loadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		updated := patch.Apply(*cur)
		if err := s.replaceTx(ctx, tx, &updated); err != nil {
			return err
		}
		out = &updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return out, nil
}

// RecordAttempt reads, folds and writes back inside one transaction. The
// pool holds a single connection, so concurrent attempts serialize.
func (s *Store) RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error) {
	var out *models.Question
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.loadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cur.Stats.Record(correct, timeSpent)
		if err := s.replaceTx(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, s.collection, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, dberr.ErrNotFound)
	}
	return nil
}

// InsertMany writes every record in one transaction. A constraint failure
// aborts only its own statement, so the rest of the batch still commits.
func (s *Store) InsertMany(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	res := backend.BulkResult{Requested: len(qs)}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range qs {
			q := qs[i]
			if err := s.insert(ctx, tx, &q); err != nil {
				if !isConstraint(err) {
					return err
				}
				res.Failed = append(res.Failed, backend.BulkFailure{Index: i, ID: q.ID, Reason: err.Error()})
				continue
			}
			res.Succeeded++
			res.SucceededIDs = append(res.SucceededIDs, q.ID)
		}
		return nil
	})
	if err != nil {
		return backend.BulkResult{}, fmt.Errorf("insert many: %w", err)
	}
	return res, nil
}

func (s *Store) UpdateMany(ctx context.Context, f query.Filter, patch models.QuestionPatch) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		where, args := s.where(f)
		rows, err := tx.QueryContext(ctx, "SELECT doc FROM documents"+where, args...)
		if err != nil {
			return err
		}
		var matched []models.Question
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return err
			}
			q, err := decode(doc)
			if err != nil {
				rows.Close()
				return err
			}
			matched = append(matched, *q)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, q := range matched {
			updated := patch.Apply(q)
			if err := s.replaceTx(ctx, tx, &updated); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update many: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteMany(ctx context.Context, f query.Filter) (int64, error) {
	where, args := s.where(f)
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	return n, nil
}

// ── Helpers ─────────────────────────────────────────────

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(tx)
}

func (s *Store) loadTx(ctx context.Context, tx *sql.Tx, id string) (*models.Question, error) {
	var doc string
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`, s.collection, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dberr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

func (s *Store) replaceTx(ctx context.Context, tx *sql.Tx, q *models.Question) error {
	q.UpdatedAt = s.now().UTC()
	doc, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode %s: %w", q.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET doc = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(doc), q.UpdatedAt.UnixNano(), s.collection, q.ID,
	)
	return err
}

func decode(doc string) (*models.Question, error) {
	var q models.Question
	if err := json.Unmarshal([]byte(doc), &q); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &q, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
