// Package sampling draws question sets for practice sessions and tests.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

type Strategy string

const (
	StrategyRandom   Strategy = "random"
	StrategyBalanced Strategy = "balanced"
	StrategyWeighted Strategy = "weighted"
)

var validStrategies = map[Strategy]bool{
	StrategyRandom:   true,
	StrategyBalanced: true,
	StrategyWeighted: true,
}

const (
	DefaultMaxCount = 200
	// oversample factor for the weighted strategy
	weightedPool = 2
	// concurrent single-record fetches on the simple random path
	fetchConcurrency = 8
	// page size when partitions are discovered by scanning the primary
	scanPage = 500
)

type Request struct {
	Filter   query.Filter `json:"filter"`
	Count    int          `json:"count"`
	Strategy Strategy     `json:"strategy,omitempty"`
	// NoCache skips cached sample sets and draws fresh.
	NoCache bool `json:"no_cache,omitempty"`
}

// Validate fills the default strategy and checks bounds. Samples only ever
// draw active records, so IncludeInactive is cleared whatever the caller sent.
func (r *Request) Validate(maxCount int) error {
	if r.Strategy == "" {
		r.Strategy = StrategyRandom
	}
	if !validStrategies[r.Strategy] {
		return dberr.Validation("strategy", "unknown strategy %q", r.Strategy)
	}
	if r.Count < 1 {
		return dberr.Validation("count", "must be at least 1, got %d", r.Count)
	}
	if maxCount > 0 && r.Count > maxCount {
		return dberr.Validation("count", "must be at most %d, got %d", maxCount, r.Count)
	}
	r.Filter = r.Filter.Normalize()
	r.Filter.IncludeInactive = false
	return r.Filter.Validate()
}

// Store is the subset of the storage router the engine needs.
type Store interface {
	Find(ctx context.Context, q query.Query) ([]models.Question, error)
	Count(ctx context.Context, q query.Query) (int64, error)
	Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error)
	Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error)
}

type Options struct {
	// FixedPartitions overrides the balanced partition count when > 0.
	FixedPartitions int
	MaxCount        int
	Seed            int64
}

type Engine struct {
	store           Store
	log             logrus.FieldLogger
	fixedPartitions int
	maxCount        int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine(store Store, log logrus.FieldLogger, opts Options) *Engine {
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		store:           store,
		log:             log,
		fixedPartitions: opts.FixedPartitions,
		maxCount:        opts.MaxCount,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

func (e *Engine) MaxCount() int { return e.maxCount }

// Sample draws up to req.Count records matching req.Filter. The result
// never exceeds the count, never repeats an id, and only holds active
// records that match the filter. A failing sub-query aborts the sample.
func (e *Engine) Sample(ctx context.Context, req Request) ([]models.Question, error) {
	if err := req.Validate(e.maxCount); err != nil {
		return nil, err
	}

	var (
		out []models.Question
		err error
	)
	switch req.Strategy {
	case StrategyBalanced:
		out, err = e.balanced(ctx, req.Filter, req.Count)
	case StrategyWeighted:
		out, err = e.weighted(ctx, req.Filter, req.Count)
	default:
		out, err = e.store.Sample(ctx, req.Filter, req.Count)
	}
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", req.Strategy, err)
	}

	out = finalize(out, req.Filter, req.Count)
	e.log.WithFields(logrus.Fields{
		"strategy":  req.Strategy,
		"requested": req.Count,
		"returned":  len(out),
	}).Debug("[sampler] sample drawn")
	return out, nil
}

// ── Strategies ──────────────────────────────────────────

type partition struct {
	subject    string
	difficulty models.Difficulty
}

// balanced spreads the count evenly over (subject, difficulty) partitions.
// Each partition gets ceil(count/partitions); short partitions are not
// padded from others, and the union is trimmed to count at random.
func (e *Engine) balanced(ctx context.Context, f query.Filter, count int) ([]models.Question, error) {
	parts, err := e.partitions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("discover partitions: %w", err)
	}
	if len(parts) == 0 {
		return []models.Question{}, nil
	}

	numPartitions := len(parts)
	if e.fixedPartitions > 0 {
		numPartitions = e.fixedPartitions
	}
	quota := (count + numPartitions - 1) / numPartitions

	results := make([][]models.Question, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		g.Go(func() error {
			qs, err := e.store.Sample(gctx, f.With(p.subject, p.difficulty), quota)
			if err != nil {
				return fmt.Errorf("partition %s/%s: %w", p.subject, p.difficulty, err)
			}
			results[i] = qs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.Question
	for _, qs := range results {
		all = append(all, qs...)
	}
	if len(all) > count {
		e.shuffle(all)
	}
	return all, nil
}

// partitions lists the non-empty (subject, difficulty) pairs matching f.
// Without an aggregating backend the matches are scanned page by page.
func (e *Engine) partitions(ctx context.Context, f query.Filter) ([]partition, error) {
	buckets, err := e.store.Aggregate(ctx, query.Aggregation{
		Match:   f,
		GroupBy: []query.GroupField{query.GroupSubject, query.GroupDifficulty},
	})
	if errors.Is(err, dberr.ErrUnsupportedQuery) {
		e.log.Debug("[sampler] aggregation unavailable, scanning for partitions")
		return e.scanPartitions(ctx, f)
	}
	if err != nil {
		return nil, err
	}

	var parts []partition
	for _, b := range buckets {
		if b.Count == 0 {
			continue
		}
		parts = append(parts, partition{
			subject:    b.Key[query.GroupSubject],
			difficulty: models.Difficulty(b.Key[query.GroupDifficulty]),
		})
	}
	return parts, nil
}

func (e *Engine) scanPartitions(ctx context.Context, f query.Filter) ([]partition, error) {
	seen := make(map[partition]bool)
	for skip := 0; ; skip += scanPage {
		page, err := e.store.Find(ctx, query.Query{Filter: f, Sort: query.SortCreatedAt, Skip: skip, Limit: scanPage})
		if err != nil {
			return nil, err
		}
		for i := range page {
			seen[partition{subject: page[i].Subject, difficulty: page[i].Difficulty}] = true
		}
		if len(page) < scanPage {
			break
		}
	}

	parts := make([]partition, 0, len(seen))
	for p := range seen {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].subject != parts[j].subject {
			return parts[i].subject < parts[j].subject
		}
		return parts[i].difficulty < parts[j].difficulty
	})
	return parts, nil
}

// Weight favours harder and more-attempted questions.
func Weight(q *models.Question) float64 {
	return q.Difficulty.Factor() * (1 + float64(q.Stats.TotalAttempts)/100)
}

// weighted oversamples at random, then keeps the heaviest count records.
func (e *Engine) weighted(ctx context.Context, f query.Filter, count int) ([]models.Question, error) {
	pool, err := e.store.Sample(ctx, f, count*weightedPool)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return Weight(&pool[i]) > Weight(&pool[j])
	})
	return pool, nil
}

// ── Simple random path ──────────────────────────────────

// RandomQuestions counts the matches, picks distinct random offsets, and
// fetches one record per offset concurrently. It returns min(count, total)
// records unless records disappear between the count and the fetches.
func (e *Engine) RandomQuestions(ctx context.Context, f query.Filter, count int) ([]models.Question, error) {
	req := Request{Filter: f, Count: count, Strategy: StrategyRandom}
	if err := req.Validate(e.maxCount); err != nil {
		return nil, err
	}
	f = req.Filter

	total, err := e.store.Count(ctx, query.Query{Filter: f})
	if err != nil {
		return nil, fmt.Errorf("random questions: count: %w", err)
	}
	if total == 0 {
		return []models.Question{}, nil
	}

	offsets := e.distinctOffsets(int64(count), total)
	results := make([]*models.Question, len(offsets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, off := range offsets {
		g.Go(func() error {
			qs, err := e.store.Find(gctx, query.Query{
				Filter: f,
				Sort:   query.SortCreatedAt,
				Skip:   int(off),
				Limit:  1,
			})
			if err != nil {
				return fmt.Errorf("fetch offset %d: %w", off, err)
			}
			if len(qs) > 0 {
				results[i] = &qs[0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("random questions: %w", err)
	}

	out := make([]models.Question, 0, len(results))
	for _, q := range results {
		if q != nil {
			out = append(out, *q)
		}
	}
	out = finalize(out, f, count)
	e.log.WithFields(logrus.Fields{
		"requested": count,
		"total":     total,
		"returned":  len(out),
	}).Debug("[sampler] random questions drawn")
	return out, nil
}

// distinctOffsets picks min(n, total) distinct values in [0, total) using
// Floyd's algorithm, in random order.
func (e *Engine) distinctOffsets(n, total int64) []int64 {
	if n > total {
		n = total
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	picked := make(map[int64]bool, n)
	out := make([]int64, 0, n)
	for j := total - n; j < total; j++ {
		t := e.rng.Int63n(j + 1)
		if picked[t] {
			t = j
		}
		picked[t] = true
		out = append(out, t)
	}
	e.rng.Shuffle(len(out), func(i, k int) { out[i], out[k] = out[k], out[i] })
	return out
}

func (e *Engine) shuffle(qs []models.Question) {
	e.mu.Lock()
	e.rng.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
	e.mu.Unlock()
}

// finalize drops records that do not match, removes duplicate ids and
// truncates to count, preserving order.
func finalize(qs []models.Question, f query.Filter, count int) []models.Question {
	seen := make(map[string]bool, len(qs))
	out := make([]models.Question, 0, min(len(qs), count))
	for i := range qs {
		q := &qs[i]
		if seen[q.ID] || !f.Matches(q) {
			continue
		}
		seen[q.ID] = true
		out = append(out, *q)
		if len(out) == count {
			break
		}
	}
	return out
}
