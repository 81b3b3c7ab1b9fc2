// Package memstore is an in-process question store. It backs the "memory"
// primary driver and lets tests exercise the router and sampling engine
// without a database, including injected failures.
package memstore

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

// FaultFunc is consulted before every operation; a non-nil error is
// returned to the caller instead of running the operation.
type FaultFunc func(op string) error

type Store struct {
	mu    sync.RWMutex
	name  string
	caps  query.Capability
	data  map[string]models.Question
	calls map[string]int
	fault FaultFunc
	rng   *rand.Rand
	now   func() time.Time
}

type Option func(*Store)

func WithCapabilities(c query.Capability) Option { return func(s *Store) { s.caps = c } }
func WithSeed(seed int64) Option                 { return func(s *Store) { s.rng = rand.New(rand.NewSource(seed)) } }
func WithClock(now func() time.Time) Option      { return func(s *Store) { s.now = now } }

// New returns an empty store. By default it supports every query shape.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:  name,
		caps:  query.CapRegex | query.CapTextSearch | query.CapAggregate | query.CapSample,
		data:  make(map[string]models.Question),
		calls: make(map[string]int),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ backend.Repository = (*Store)(nil)

func (s *Store) Name() string                    { return s.name }
func (s *Store) Capabilities() query.Capability  { return s.caps }
func (s *Store) Close(ctx context.Context) error { return nil }

// SetFault installs (or clears, with nil) a failure hook.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Calls reports how many times op was invoked, including failed calls.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	fault := s.fault
	s.mu.Unlock()
	if fault != nil {
		return fault(op)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.enter("ping")
}

func (s *Store) Create(ctx context.Context, q *models.Question) error {
	if err := s.enter("create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(q)
}

func (s *Store) insertLocked(q *models.Question) error {
	if _, exists := s.data[q.ID]; exists {
		return &dberr.ConflictError{Operation: "create", Key: "id " + q.ID}
	}
	now := s.now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	s.data[q.ID] = q.Clone()
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Question, error) {
	if err := s.enter("findById"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("find %s: %w", id, dberr.ErrNotFound)
	}
	out := q.Clone()
	return &out, nil
}

func (s *Store) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	if err := s.enter("find"); err != nil {
		return nil, err
	}
	if !s.caps.Has(q.Requires()) {
		return nil, fmt.Errorf("memstore %s: %s: %w", s.name, q.Requires(), dberr.ErrUnsupportedQuery)
	}
	s.mu.RLock()
	matches, err := s.matchLocked(q)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sortQuestions(matches, q.Sort, q.Desc)
	if q.Skip > 0 {
		if q.Skip >= len(matches) {
			return []models.Question{}, nil
		}
		matches = matches[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (s *Store) matchLocked(q query.Query) ([]models.Question, error) {
	var re *regexp.Regexp
	if q.Pattern != "" {
		var err error
		if re, err = regexp.Compile("(?i)" + q.Pattern); err != nil {
			return nil, dberr.Validation("pattern", "%v", err)
		}
	}
	words := strings.Fields(strings.ToLower(q.Text))

	out := make([]models.Question, 0)
	for _, rec := range s.data {
		if !q.Filter.Matches(&rec) {
			continue
		}
		if re != nil && !re.MatchString(rec.Body) {
			continue
		}
		if len(words) > 0 && !containsAll(strings.ToLower(rec.Body), words) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func containsAll(body string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(body, w) {
			return false
		}
	}
	return true
}

func sortQuestions(qs []models.Question, field query.SortField, desc bool) {
	less := func(a, b models.Question) bool {
		switch field {
		case query.SortTotalAttempts:
			if a.Stats.TotalAttempts != b.Stats.TotalAttempts {
				return a.Stats.TotalAttempts < b.Stats.TotalAttempts
			}
		case query.SortDifficulty:
			if a.Difficulty.Rank() != b.Difficulty.Rank() {
				return a.Difficulty.Rank() < b.Difficulty.Rank()
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(qs, func(i, j int) bool {
		if desc {
			return less(qs[j], qs[i])
		}
		return less(qs[i], qs[j])
	})
}

func (s *Store) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	if err := s.enter("update"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, dberr.ErrNotFound)
	}
	updated := patch.Apply(q)
	updated.UpdatedAt = s.now()
	s.data[id] = updated
	out := updated.Clone()
	return &out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.enter("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, dberr.ErrNotFound)
	}
	delete(s.data, id)
	return nil
}

func (s *Store) InsertMany(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	if err := s.enter("insertMany"); err != nil {
		return backend.BulkResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := backend.BulkResult{Requested: len(qs)}
	for i := range qs {
		q := qs[i]
		if err := s.insertLocked(&q); err != nil {
			res.Failed = append(res.Failed, backend.BulkFailure{Index: i, ID: q.ID, Reason: err.Error()})
			continue
		}
		res.Succeeded++
		res.SucceededIDs = append(res.SucceededIDs, q.ID)
	}
	return res, nil
}

func (s *Store) UpdateMany(ctx context.Context, f query.Filter, patch models.QuestionPatch) (int64, error) {
	if err := s.enter("updateMany"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for id, q := range s.data {
		if !f.Matches(&q) {
			continue
		}
		updated := patch.Apply(q)
		updated.UpdatedAt = now
		s.data[id] = updated
		n++
	}
	return n, nil
}

func (s *Store) DeleteMany(ctx context.Context, f query.Filter) (int64, error) {
	if err := s.enter("deleteMany"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, q := range s.data {
		if f.Matches(&q) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error) {
	if err := s.enter("aggregate"); err != nil {
		return nil, err
	}
	if !s.caps.Has(query.CapAggregate) {
		return nil, fmt.Errorf("memstore %s: aggregate: %w", s.name, dberr.ErrUnsupportedQuery)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]*query.Bucket)
	for _, q := range s.data {
		if !a.Match.Matches(&q) {
			continue
		}
		for _, key := range groupKeys(q, a.GroupBy) {
			id := flatten(key, a.GroupBy)
			b, ok := counts[id]
			if !ok {
				b = &query.Bucket{Key: key}
				counts[id] = b
			}
			b.Count++
		}
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]query.Bucket, 0, len(ids))
	for _, id := range ids {
		out = append(out, *counts[id])
	}
	return out, nil
}

// groupKeys expands one record into its group keys. Grouping by tag yields
// one key per tag, like an unwind stage.
func groupKeys(q models.Question, fields []query.GroupField) []map[query.GroupField]string {
	keys := []map[query.GroupField]string{{}}
	for _, f := range fields {
		var values []string
		switch f {
		case query.GroupSubject:
			values = []string{q.Subject}
		case query.GroupChapter:
			values = []string{q.Chapter}
		case query.GroupDifficulty:
			values = []string{string(q.Difficulty)}
		case query.GroupTag:
			values = q.Tags
		case query.GroupExamYear:
			if q.ExamYear != nil {
				values = []string{strconv.Itoa(*q.ExamYear)}
			}
		}
		var next []map[query.GroupField]string
		for _, k := range keys {
			for _, v := range values {
				nk := make(map[query.GroupField]string, len(k)+1)
				for kk, kv := range k {
					nk[kk] = kv
				}
				nk[f] = v
				next = append(next, nk)
			}
		}
		keys = next
	}
	return keys
}

func flatten(key map[query.GroupField]string, fields []query.GroupField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = key[f]
	}
	return strings.Join(parts, "\x00")
}

func (s *Store) CountDocuments(ctx context.Context, q query.Query) (int64, error) {
	if err := s.enter("count"); err != nil {
		return 0, err
	}
	if !s.caps.Has(q.Requires()) {
		return 0, fmt.Errorf("memstore %s: %s: %w", s.name, q.Requires(), dberr.ErrUnsupportedQuery)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches, err := s.matchLocked(query.Query{Filter: q.Filter, Text: q.Text, Pattern: q.Pattern})
	if err != nil {
		return 0, err
	}
	return int64(len(matches)), nil
}

func (s *Store) Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error) {
	if err := s.enter("sample"); err != nil {
		return nil, err
	}
	if !s.caps.Has(query.CapSample) {
		return nil, fmt.Errorf("memstore %s: sample: %w", s.name, dberr.ErrUnsupportedQuery)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := s.matchLocked(query.Query{Filter: f})
	if err != nil {
		return nil, err
	}
	// map iteration order is not uniform; fix the order before shuffling
	sortQuestions(matches, "", false)
	s.rng.Shuffle(len(matches), func(i, j int) { matches[i], matches[j] = matches[j], matches[i] })
	if n < len(matches) {
		matches = matches[:n]
	}
	return matches, nil
}

func (s *Store) RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error) {
	if err := s.enter("recordAttempt"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("record attempt %s: %w", id, dberr.ErrNotFound)
	}
	q.Stats.Record(correct, timeSpent)
	q.UpdatedAt = s.now()
	s.data[id] = q
	out := q.Clone()
	return &out, nil
}
