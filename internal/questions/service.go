package questions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/cache"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/health"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
	"github.com/qbank-platform/backend/internal/sampling"
	"github.com/qbank-platform/backend/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultPopular  = 10
	exportPageSize  = 500
	exportVersion   = 1
)

type Service struct {
	router  *storage.Router
	cache   cache.Cache
	engine  *sampling.Engine
	monitor *health.Monitor
	ttl     cache.TTLs
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewService wires the facade. cache and monitor may be nil.
func NewService(router *storage.Router, c cache.Cache, engine *sampling.Engine, monitor *health.Monitor, ttl cache.TTLs, log logrus.FieldLogger) *Service {
	return &Service{
		router:  router,
		cache:   c,
		engine:  engine,
		monitor: monitor,
		ttl:     ttl,
		log:     log,
		now:     time.Now,
	}
}

// cached runs load through the cache unless it is disabled. Hits are
// logged at debug level.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	v, hit, err := cache.GetOrLoad(ctx, s.cache, key, ttl, load)
	if hit {
		s.log.WithField("key", key).Debug("[questions] cache hit")
	}
	return v, err
}

// ── Reads ───────────────────────────────────────────────

func (s *Service) FindByID(ctx context.Context, id string) (*models.Question, error) {
	q, err := cached(ctx, s, cache.QuestionKey(id), s.ttl.Listing, func() (*models.Question, error) {
		return s.router.FindByID(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("find question %s: %w", id, err)
	}
	return q, nil
}

// Find returns one page of matching records. Identical queries within the
// listing TTL are answered from the cache.
func (s *Service) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	q = pageDefaults(q)
	if err := q.Validate(); err != nil {
		return nil, err
	}
	key := cache.ScopedKey(cache.KindFind, q.Filter, q.Canonical())
	qs, err := cached(ctx, s, key, s.ttl.Listing, func() ([]models.Question, error) {
		return s.router.Find(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("find questions: %w", err)
	}
	if qs == nil {
		qs = []models.Question{}
	}
	return qs, nil
}

func (s *Service) Count(ctx context.Context, q query.Query) (int64, error) {
	q.Limit, q.Skip, q.Sort, q.Desc = 0, 0, "", false
	if err := q.Validate(); err != nil {
		return 0, err
	}
	key := cache.ScopedKey(cache.KindCount, q.Filter, q.Canonical())
	n, err := cached(ctx, s, key, s.ttl.Listing, func() (int64, error) {
		return s.router.Count(ctx, q)
	})
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

// List is Find plus the total match count, shaped for the listing endpoint.
func (s *Service) List(ctx context.Context, q query.Query) (*models.QuestionListResponse, error) {
	q = pageDefaults(q)
	qs, err := s.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	total, err := s.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	return &models.QuestionListResponse{
		Questions: qs,
		Total:     total,
		Limit:     q.Limit,
		Offset:    q.Skip,
	}, nil
}

func pageDefaults(q query.Query) query.Query {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return q
}

// Popular lists the most attempted records matching f.
func (s *Service) Popular(ctx context.Context, f query.Filter, limit int) ([]models.Question, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPopular
	}
	q := query.Query{Filter: f.Normalize(), Sort: query.SortTotalAttempts, Desc: true, Limit: limit}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	key := cache.ScopedKey(cache.KindPopular, q.Filter, q.Canonical())
	qs, err := cached(ctx, s, key, s.ttl.Volatile, func() ([]models.Question, error) {
		return s.router.Find(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("popular questions: %w", err)
	}
	if qs == nil {
		qs = []models.Question{}
	}
	return qs, nil
}

// ── Sampling ────────────────────────────────────────────

func (s *Service) Sample(ctx context.Context, req sampling.Request) ([]models.Question, error) {
	if err := req.Validate(s.engine.MaxCount()); err != nil {
		return nil, err
	}
	draw := func() ([]models.Question, error) { return s.engine.Sample(ctx, req) }
	if req.NoCache {
		return draw()
	}
	canonical := string(req.Strategy) + ";n=" + strconv.Itoa(req.Count) + ";" + req.Filter.Canonical()
	return cached(ctx, s, cache.ScopedKey(cache.KindSample, req.Filter, canonical), s.ttl.Listing, draw)
}

func (s *Service) RandomQuestions(ctx context.Context, f query.Filter, count int, noCache bool) ([]models.Question, error) {
	req := sampling.Request{Filter: f, Count: count}
	if err := req.Validate(s.engine.MaxCount()); err != nil {
		return nil, err
	}
	draw := func() ([]models.Question, error) { return s.engine.RandomQuestions(ctx, req.Filter, count) }
	if noCache {
		return draw()
	}
	canonical := "n=" + strconv.Itoa(count) + ";" + req.Filter.Canonical()
	return cached(ctx, s, cache.ScopedKey(cache.KindRandom, req.Filter, canonical), s.ttl.Listing, draw)
}

// ── Writes ──────────────────────────────────────────────

// prepare fills server-owned fields on a new record. Fresh records start
// active with empty statistics; imported ones keep theirs.
func (s *Service) prepare(q *models.Question, fresh bool) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	if fresh {
		q.IsActive = true
		q.Stats = models.Statistics{}
		q.CreatedAt = time.Time{}
		q.UpdatedAt = time.Time{}
	}
}

func (s *Service) Create(ctx context.Context, q models.Question) (*models.Question, error) {
	s.prepare(&q, true)
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := s.router.Create(ctx, &q); err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	cache.InvalidateQuestion(ctx, s.cache, &q, nil)
	s.invalidate(ctx, cache.MetaPrefix)

	s.log.WithFields(logrus.Fields{"id": q.ID, "subject": q.Subject}).Info("[questions] question created")
	return &q, nil
}

func (s *Service) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	previous, err := s.router.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update question %s: %w", id, err)
	}
	next := patch.Apply(*previous)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	updated, err := s.router.Update(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update question %s: %w", id, err)
	}
	cache.InvalidateQuestion(ctx, s.cache, updated, previous)
	if patch.Structural() {
		s.invalidate(ctx, cache.MetaPrefix)
	}
	return updated, nil
}

// Delete deactivates the record. It stays readable by id and in admin
// listings but drops out of every filtered read.
func (s *Service) Delete(ctx context.Context, id string) error {
	inactive := false
	if _, err := s.Update(ctx, id, models.QuestionPatch{IsActive: &inactive}); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	s.log.WithField("id", id).Info("[questions] question deactivated")
	return nil
}

// RecordAttempt folds one answer into the record's statistics.
func (s *Service) RecordAttempt(ctx context.Context, id string, req models.AttemptRequest) (*models.Question, error) {
	q, err := s.router.RecordAttempt(ctx, id, req.IsCorrect, req.TimeSpent)
	if err != nil {
		return nil, fmt.Errorf("record attempt %s: %w", id, err)
	}
	cache.InvalidateQuestion(ctx, s.cache, q, nil)
	return q, nil
}

func (s *Service) invalidate(ctx context.Context, prefixes ...string) {
	if s.cache == nil {
		return
	}
	for _, p := range prefixes {
		s.cache.Invalidate(ctx, p)
	}
}

// ── Bulk ────────────────────────────────────────────────

// BulkCreate validates each record, inserts the valid ones in batches and
// reports failures by input index.
func (s *Service) BulkCreate(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	return s.bulkCreate(ctx, qs, true)
}

func (s *Service) bulkCreate(ctx context.Context, qs []models.Question, fresh bool) (backend.BulkResult, error) {
	res := backend.BulkResult{Requested: len(qs), SucceededIDs: []string{}}
	valid := make([]models.Question, 0, len(qs))
	index := make([]int, 0, len(qs))
	for i := range qs {
		q := qs[i]
		s.prepare(&q, fresh)
		if err := q.Validate(); err != nil {
			res.Failed = append(res.Failed, backend.BulkFailure{Index: i, ID: q.ID, Reason: err.Error()})
			continue
		}
		valid = append(valid, q)
		index = append(index, i)
	}
	if len(valid) == 0 {
		return res, nil
	}

	inserted, err := s.router.BulkCreate(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("bulk create: %w", err)
	}
	res.Succeeded = inserted.Succeeded
	res.SucceededIDs = append(res.SucceededIDs, inserted.SucceededIDs...)
	for _, f := range inserted.Failed {
		f.Index = index[f.Index]
		res.Failed = append(res.Failed, f)
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Index < res.Failed[j].Index })

	if res.Succeeded > 0 {
		s.invalidate(ctx, cache.QuestionsPrefix, cache.MetaPrefix)
	}
	s.log.WithFields(logrus.Fields{
		"requested": res.Requested,
		"succeeded": res.Succeeded,
		"failed":    len(res.Failed),
	}).Info("[questions] bulk create finished")
	return res, nil
}

func (s *Service) BulkUpdate(ctx context.Context, ids []string, patch models.QuestionPatch) (backend.BulkResult, error) {
	if len(ids) == 0 {
		return backend.BulkResult{}, dberr.Validation("ids", "required")
	}
	if err := patch.Validate(); err != nil {
		return backend.BulkResult{}, err
	}
	res, err := s.router.BulkUpdate(ctx, ids, patch)
	if err != nil {
		return res, fmt.Errorf("bulk update: %w", err)
	}
	s.invalidate(ctx, cache.QuestionsPrefix, cache.MetaPrefix)
	return res, nil
}

// BulkDelete deactivates the records, or removes them outright when hard
// is set.
func (s *Service) BulkDelete(ctx context.Context, ids []string, hard bool) (backend.BulkResult, error) {
	if len(ids) == 0 {
		return backend.BulkResult{}, dberr.Validation("ids", "required")
	}
	var (
		res backend.BulkResult
		err error
	)
	if hard {
		res, err = s.router.BulkDelete(ctx, ids)
	} else {
		inactive := false
		res, err = s.router.BulkUpdate(ctx, ids, models.QuestionPatch{IsActive: &inactive})
	}
	if err != nil {
		return res, fmt.Errorf("bulk delete: %w", err)
	}
	s.invalidate(ctx, cache.QuestionsPrefix, cache.MetaPrefix)
	s.log.WithFields(logrus.Fields{"requested": len(ids), "succeeded": res.Succeeded, "hard": hard}).
		Info("[questions] bulk delete finished")
	return res, nil
}

// ── Metadata ────────────────────────────────────────────

// Metadata rolls active records up by subject, chapter and difficulty.
func (s *Service) Metadata(ctx context.Context) (*models.Metadata, error) {
	agg := query.Aggregation{GroupBy: []query.GroupField{query.GroupSubject, query.GroupChapter, query.GroupDifficulty}}
	meta, err := cached(ctx, s, cache.MetaKey(cache.KindMeta, agg.Canonical()), s.ttl.Static, func() (*models.Metadata, error) {
		buckets, err := s.router.Aggregate(ctx, agg)
		if err != nil {
			return nil, err
		}
		return rollup(buckets), nil
	})
	if err != nil {
		return nil, fmt.Errorf("question metadata: %w", err)
	}
	return meta, nil
}

func rollup(buckets []query.Bucket) *models.Metadata {
	bySubject := make(map[string]*models.SubjectMeta)
	meta := &models.Metadata{Subjects: []models.SubjectMeta{}}
	for _, b := range buckets {
		subject := b.Key[query.GroupSubject]
		sm, ok := bySubject[subject]
		if !ok {
			sm = &models.SubjectMeta{
				Subject:      subject,
				ByDifficulty: make(map[models.Difficulty]int64),
				Chapters:     make(map[string]int64),
			}
			bySubject[subject] = sm
		}
		sm.Total += b.Count
		sm.ByDifficulty[models.Difficulty(b.Key[query.GroupDifficulty])] += b.Count
		sm.Chapters[b.Key[query.GroupChapter]] += b.Count
		meta.Total += b.Count
	}
	for _, sm := range bySubject {
		meta.Subjects = append(meta.Subjects, *sm)
	}
	sort.Slice(meta.Subjects, func(i, j int) bool { return meta.Subjects[i].Subject < meta.Subjects[j].Subject })
	return meta
}

// FilterOptions lists the distinct values present for each filterable field.
func (s *Service) FilterOptions(ctx context.Context) (*models.FilterOptions, error) {
	opts, err := cached(ctx, s, cache.MetaKey(cache.KindOptions, "all"), s.ttl.Static, func() (*models.FilterOptions, error) {
		return s.loadFilterOptions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("filter options: %w", err)
	}
	return opts, nil
}

func (s *Service) loadFilterOptions(ctx context.Context) (*models.FilterOptions, error) {
	fields := []query.GroupField{query.GroupSubject, query.GroupChapter, query.GroupDifficulty, query.GroupTag, query.GroupExamYear}
	values := make([][]string, len(fields))

	g, gctx := errgroup.WithContext(ctx)
	for i, field := range fields {
		g.Go(func() error {
			buckets, err := s.router.Aggregate(gctx, query.Aggregation{GroupBy: []query.GroupField{field}})
			if err != nil {
				return fmt.Errorf("distinct %s: %w", field, err)
			}
			vals := make([]string, 0, len(buckets))
			for _, b := range buckets {
				if v := b.Key[field]; v != "" {
					vals = append(vals, v)
				}
			}
			sort.Strings(vals)
			values[i] = vals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	opts := &models.FilterOptions{
		Subjects:     values[0],
		Chapters:     values[1],
		Difficulties: []models.Difficulty{},
		Tags:         values[3],
		ExamYears:    []int{},
	}
	present := make(map[string]bool, len(values[2]))
	for _, d := range values[2] {
		present[d] = true
	}
	for _, d := range models.AllDifficulties {
		if present[string(d)] {
			opts.Difficulties = append(opts.Difficulties, d)
		}
	}
	for _, y := range values[4] {
		if n, err := strconv.Atoi(y); err == nil {
			opts.ExamYears = append(opts.ExamYears, n)
		}
	}
	sort.Ints(opts.ExamYears)
	return opts, nil
}

// ── Export/Import ────────────────────────────────────────

// ExportQuestions pages through every active record in creation order.
func (s *Service) ExportQuestions(ctx context.Context) (*models.ExportEnvelope, error) {
	out := []models.Question{}
	for skip := 0; ; skip += exportPageSize {
		page, err := s.router.Find(ctx, query.Query{Sort: query.SortCreatedAt, Limit: exportPageSize, Skip: skip})
		if err != nil {
			return nil, fmt.Errorf("export questions: %w", err)
		}
		out = append(out, page...)
		if len(page) < exportPageSize {
			break
		}
	}
	return &models.ExportEnvelope{
		Version:    exportVersion,
		ExportedAt: s.now().UTC(),
		Questions:  out,
	}, nil
}

// ImportQuestions loads a raw export envelope. Records whose id already
// exists are skipped; the rest go through the bulk insert path with their
// statistics intact.
func (s *Service) ImportQuestions(ctx context.Context, raw []byte) (*models.ImportResult, error) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	result := &models.ImportResult{TotalInPayload: len(envelope.Questions)}

	existing, err := s.existingIDs(ctx, envelope.Questions)
	if err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	fresh := make([]models.Question, 0, len(envelope.Questions))
	position := make([]int, 0, len(envelope.Questions))
	for i, q := range envelope.Questions {
		if q.ID != "" && existing[q.ID] {
			result.Skipped++
			continue
		}
		fresh = append(fresh, q)
		position = append(position, i)
	}
	if len(fresh) == 0 {
		return result, nil
	}

	res, err := s.bulkCreate(ctx, fresh, false)
	if err != nil {
		return nil, fmt.Errorf("import questions: %w", err)
	}
	result.Imported = res.Succeeded
	result.Failed = len(res.Failed)
	for _, f := range res.Failed {
		result.Errors = append(result.Errors, fmt.Sprintf("question %d: %s", position[f.Index]+1, f.Reason))
	}
	s.log.WithFields(logrus.Fields{
		"total":    result.TotalInPayload,
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("[questions] import finished")
	return result, nil
}

func (s *Service) existingIDs(ctx context.Context, qs []models.Question) (map[string]bool, error) {
	var ids []string
	for _, q := range qs {
		if q.ID != "" {
			ids = append(ids, q.ID)
		}
	}
	existing := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += exportPageSize {
		end := min(start+exportPageSize, len(ids))
		f := query.Filter{IDs: ids[start:end], IncludeInactive: true}
		found, err := s.router.Find(ctx, query.Query{Filter: f})
		if err != nil {
			return nil, err
		}
		for _, q := range found {
			existing[q.ID] = true
		}
	}
	return existing, nil
}

// ── Cache & Health ──────────────────────────────────────

func (s *Service) CacheStats(ctx context.Context) cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats(ctx)
}

func (s *Service) FlushCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Flush(ctx)
	s.log.Info("[questions] cache flushed")
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type HealthReport struct {
	Status    string                `json:"status"`
	Backends  storage.Health        `json:"backends"`
	Monitor   *health.BackendHealth `json:"monitor,omitempty"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Health probes both backends now and attaches the monitor's last snapshot.
func (s *Service) Health(ctx context.Context) HealthReport {
	live := s.router.HealthCheck(ctx)
	report := HealthReport{Backends: live, CheckedAt: s.now().UTC()}
	switch {
	case live.PrimaryUp && live.SecondaryUp:
		report.Status = StatusOK
	case live.PrimaryUp || live.SecondaryUp:
		report.Status = StatusDegraded
	default:
		report.Status = StatusDown
	}
	if s.monitor != nil {
		if latest, ok := s.monitor.Latest(); ok {
			report.Monitor = &latest
		}
	}
	return report
}
