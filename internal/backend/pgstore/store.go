// Package pgstore is the relational secondary store. Every query shape
// runs natively here: regex and full-text search over the body, grouped
// counts, and random sampling.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

const Capabilities = query.CapRegex | query.CapTextSearch | query.CapAggregate | query.CapSample

const columns = `id, subject, chapter, difficulty, body, options, tags, exam_year,
	total_attempts, correct_attempts, average_time_spent, is_active, created_at, updated_at`

type Store struct {
	db    *sql.DB
	name  string
	table string
}

func New(db *sql.DB, name, table string) *Store {
	return &Store{db: db, name: name, table: pq.QuoteIdentifier(table)}
}

var _ backend.Repository = (*Store)(nil)

func (s *Store) Name() string                   { return s.name }
func (s *Store) Capabilities() query.Capability { return Capabilities }

func (s *Store) Ping(ctx context.Context) error  { return s.db.PingContext(ctx) }
func (s *Store) Close(ctx context.Context) error { return s.db.Close() }

// ── Statement building ──────────────────────────────────

// stmt accumulates positional arguments for one statement.
type stmt struct {
	args []any
}

func (b *stmt) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *stmt) list(values []string) string {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = b.arg(v)
	}
	return strings.Join(marks, ", ")
}

// where renders the filter plus optional search predicates. It returns an
// empty string when nothing constrains the rows.
func (b *stmt) where(f query.Filter, text, pattern string) string {
	f = f.Normalize()
	var conds []string
	if !f.IncludeInactive {
		conds = append(conds, "is_active = TRUE")
	}
	if len(f.Subjects) > 0 {
		conds = append(conds, "subject IN ("+b.list(f.Subjects)+")")
	}
	if len(f.Chapters) > 0 {
		conds = append(conds, "chapter IN ("+b.list(f.Chapters)+")")
	}
	if f.Difficulty != "" {
		conds = append(conds, "difficulty = "+b.arg(string(f.Difficulty)))
	}
	if len(f.Tags) > 0 {
		conds = append(conds, "EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) t WHERE t IN ("+b.list(f.Tags)+"))")
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN ("+b.list(f.IDs)+")")
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, "id NOT IN ("+b.list(f.ExcludeIDs)+")")
	}
	if pattern != "" {
		conds = append(conds, "body ~* "+b.arg(pattern))
	}
	if text != "" {
		conds = append(conds, "to_tsvector('english', body) @@ plainto_tsquery('english', "+b.arg(text)+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func orderBy(field query.SortField, desc bool) string {
	dir := " ASC"
	if desc {
		dir = " DESC"
	}
	tail := ", created_at" + dir + ", id" + dir
	switch field {
	case query.SortTotalAttempts:
		return " ORDER BY total_attempts" + dir + tail
	case query.SortDifficulty:
		return " ORDER BY CASE difficulty WHEN 'easy' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END" + dir + tail
	default:
		return " ORDER BY created_at" + dir + ", id" + dir
	}
}

// set renders a patch as SET assignments. updated_at always moves.
func (b *stmt) set(p models.QuestionPatch) (string, error) {
	var sets []string
	if p.Subject != nil {
		sets = append(sets, "subject = "+b.arg(*p.Subject))
	}
	if p.Chapter != nil {
		sets = append(sets, "chapter = "+b.arg(*p.Chapter))
	}
	if p.Difficulty != nil {
		sets = append(sets, "difficulty = "+b.arg(string(*p.Difficulty)))
	}
	if p.Body != nil {
		sets = append(sets, "body = "+b.arg(*p.Body))
	}
	if p.Options != nil {
		raw, err := json.Marshal(p.Options)
		if err != nil {
			return "", fmt.Errorf("encode options: %w", err)
		}
		sets = append(sets, "options = "+b.arg(string(raw)))
	}
	if p.Tags != nil {
		raw, err := json.Marshal(p.Tags)
		if err != nil {
			return "", fmt.Errorf("encode tags: %w", err)
		}
		sets = append(sets, "tags = "+b.arg(string(raw)))
	}
	if p.ExamYear != nil {
		sets = append(sets, "exam_year = "+b.arg(*p.ExamYear))
	}
	if p.IsActive != nil {
		sets = append(sets, "is_active = "+b.arg(*p.IsActive))
	}
	sets = append(sets, "updated_at = NOW()")
	return strings.Join(sets, ", "), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (*models.Question, error) {
	var (
		q              models.Question
		options, tags  []byte
		examYear       sql.NullInt64
		difficultyText string
	)
	err := row.Scan(&q.ID, &q.Subject, &q.Chapter, &difficultyText, &q.Body, &options, &tags, &examYear,
		&q.Stats.TotalAttempts, &q.Stats.CorrectAttempts, &q.Stats.AverageTimeSpent,
		&q.IsActive, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Difficulty = models.Difficulty(difficultyText)
	if err := json.Unmarshal(options, &q.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", q.ID, err)
	}
	if err := json.Unmarshal(tags, &q.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", q.ID, err)
	}
	if examYear.Valid {
		y := int(examYear.Int64)
		q.ExamYear = &y
	}
	return &q, nil
}

func (s *Store) queryQuestions(ctx context.Context, op, sqlText string, args ...any) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ── Reads ───────────────────────────────────────────────

func (s *Store) FindByID(ctx context.Context, id string) (*models.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM `+s.table+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	return q, nil
}

// FindSQL renders the statement Find executes.
func (s *Store) FindSQL(q query.Query) (string, []any) {
	var b stmt
	sqlText := `SELECT ` + columns + ` FROM ` + s.table + b.where(q.Filter, q.Text, q.Pattern) + orderBy(q.Sort, q.Desc)
	if q.Limit > 0 {
		sqlText += " LIMIT " + b.arg(q.Limit)
	}
	if q.Skip > 0 {
		sqlText += " OFFSET " + b.arg(q.Skip)
	}
	return sqlText, b.args
}

func (s *Store) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	sqlText, args := s.FindSQL(q)
	return s.queryQuestions(ctx, "find", sqlText, args...)
}

func (s *Store) CountDocuments(ctx context.Context, q query.Query) (int64, error) {
	var b stmt
	sqlText := `SELECT COUNT(*) FROM ` + s.table + b.where(q.Filter, q.Text, q.Pattern)
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlText, b.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error) {
	if n <= 0 {
		return []models.Question{}, nil
	}
	var b stmt
	sqlText := `SELECT ` + columns + ` FROM ` + s.table + b.where(f, "", "") + ` ORDER BY RANDOM() LIMIT ` + b.arg(n)
	return s.queryQuestions(ctx, "sample", sqlText, b.args...)
}

// AggregateSQL renders the grouped count for a. Grouping by tag unnests the
// tag array, so a record counts once per tag.
func (s *Store) AggregateSQL(a query.Aggregation) (string, []any) {
	var (
		b      stmt
		exprs  []string
		extra  string
		filter = b.where(a.Match, "", "")
	)
	for _, g := range a.GroupBy {
		switch g {
		case query.GroupTag:
			exprs = append(exprs, "tag.value")
			extra = " CROSS JOIN LATERAL jsonb_array_elements_text(tags) AS tag(value)"
		case query.GroupExamYear:
			exprs = append(exprs, "exam_year::text")
			if filter == "" {
				filter = " WHERE exam_year IS NOT NULL"
			} else {
				filter += " AND exam_year IS NOT NULL"
			}
		default:
			exprs = append(exprs, string(g))
		}
	}
	group := strings.Join(exprs, ", ")
	return `SELECT ` + group + `, COUNT(*) FROM ` + s.table + extra + filter +
		` GROUP BY ` + group + ` ORDER BY ` + group, b.args
}

func (s *Store) Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error) {
	sqlText, args := s.AggregateSQL(a)
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	out := make([]query.Bucket, 0)
	for rows.Next() {
		values := make([]sql.NullString, len(a.GroupBy))
		dest := make([]any, 0, len(values)+1)
		for i := range values {
			dest = append(dest, &values[i])
		}
		var count int64
		dest = append(dest, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("aggregate: scan: %w", err)
		}
		key := make(map[query.GroupField]string, len(values))
		for i, g := range a.GroupBy {
			key[g] = values[i].String
		}
		out = append(out, query.Bucket{Key: key, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return out, nil
}

// ── Writes ──────────────────────────────────────────────

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insert returns sql.ErrNoRows when the id already exists.
func (s *Store) insert(ctx context.Context, db queryer, q *models.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	tags := q.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsRaw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var examYear sql.NullInt64
	if q.ExamYear != nil {
		examYear = sql.NullInt64{Int64: int64(*q.ExamYear), Valid: true}
	}
	var created any
	if !q.CreatedAt.IsZero() {
		created = q.CreatedAt
	}

	return db.QueryRowContext(ctx,
		`INSERT INTO `+s.table+` (id, subject, chapter, difficulty, body, options, tags, exam_year,
		        total_attempts, correct_attempts, average_time_spent, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()), NOW())
		 ON CONFLICT (id) DO NOTHING
		 RETURNING created_at, updated_at`,
		q.ID, q.Subject, q.Chapter, string(q.Difficulty), q.Body, string(options), string(tagsRaw), examYear,
		q.Stats.TotalAttempts, q.Stats.CorrectAttempts, q.Stats.AverageTimeSpent, q.IsActive, created,
	).Scan(&q.CreatedAt, &q.UpdatedAt)
}

func (s *Store) Create(ctx context.Context, q *models.Question) error {
	err := s.insert(ctx, s.db, q)
	if errors.Is(err, sql.ErrNoRows) {
		return &dberr.ConflictError{Operation: "create", Key: "id " + q.ID}
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", q.ID, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	var b stmt
	set, err := b.set(patch)
	if err != nil {
		return nil, err
	}
	sqlText := `UPDATE ` + s.table + ` SET ` + set + ` WHERE id = ` + b.arg(id) + ` RETURNING ` + columns
	q, err := scanQuestion(s.db.QueryRowContext(ctx, sqlText, b.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return q, nil
}

// RecordAttempt folds the attempt in a single UPDATE, so concurrent
// attempts never lose increments.
func (s *Store) RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`UPDATE `+s.table+`
		 SET average_time_spent = (average_time_spent * total_attempts + $3) / (total_attempts + 1),
		     total_attempts = total_attempts + 1,
		     correct_attempts = correct_attempts + CASE WHEN $2 THEN 1 ELSE 0 END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+columns,
		id, correct, timeSpent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record attempt %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return q, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, dberr.ErrNotFound)
	}
	return nil
}

// InsertMany writes the batch in one transaction. Duplicate ids are
// skipped and reported; any other error rolls the batch back.
func (s *Store) InsertMany(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	res := backend.BulkResult{Requested: len(qs)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.BulkResult{}, fmt.Errorf("insert many: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range qs {
		q := qs[i]
		err := s.insert(ctx, tx, &q)
		if errors.Is(err, sql.ErrNoRows) {
			res.Failed = append(res.Failed, backend.BulkFailure{Index: i, ID: q.ID, Reason: "duplicate id"})
			continue
		}
		if err != nil {
			return backend.BulkResult{}, fmt.Errorf("insert many: %s: %w", q.ID, err)
		}
		res.Succeeded++
		res.SucceededIDs = append(res.SucceededIDs, q.ID)
	}
	if err := tx.Commit(); err != nil {
		return backend.BulkResult{}, fmt.Errorf("insert many: commit: %w", err)
	}
	return res, nil
}

func (s *Store) UpdateMany(ctx context.Context, f query.Filter, patch models.QuestionPatch) (int64, error) {
	var b stmt
	set, err := b.set(patch)
	if err != nil {
		return 0, err
	}
	sqlText := `UPDATE ` + s.table + ` SET ` + set + b.where(f, "", "")
	res, err := s.db.ExecContext(ctx, sqlText, b.args...)
	if err != nil {
		return 0, fmt.Errorf("update many: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteMany(ctx context.Context, f query.Filter) (int64, error) {
	var b stmt
	sqlText := `DELETE FROM ` + s.table + b.where(f, "", "")
	res, err := s.db.ExecContext(ctx, sqlText, b.args...)
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	return res.RowsAffected()
}
