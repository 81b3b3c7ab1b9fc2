package sampling

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbank-platform/backend/internal/backend/memstore"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/logging"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
	"github.com/qbank-platform/backend/internal/retry"
	"github.com/qbank-platform/backend/internal/storage"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func mkQuestion(id, subject string, d models.Difficulty, attempts int) models.Question {
	return models.Question{
		ID:         id,
		Subject:    subject,
		Chapter:    "General",
		Difficulty: d,
		Body:       "Body of " + id,
		Options:    []models.Option{{Text: "yes", IsCorrect: true}, {Text: "no"}},
		Stats:      models.Statistics{TotalAttempts: attempts},
		IsActive:   true,
		CreatedAt:  base,
	}
}

type fixture struct {
	store  *memstore.Store
	engine *Engine
}

func newFixture(t *testing.T, opts Options, qs ...models.Question) fixture {
	t.Helper()
	s := memstore.New("primary", memstore.WithSeed(7))
	for i := range qs {
		q := qs[i]
		require.NoError(t, s.Create(context.Background(), &q))
	}
	log := logging.Discard()
	exec := retry.NewExecutor(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Timeout: time.Second}, log)
	router := storage.NewRouter(s, s, exec, log, storage.Options{Collection: "questions"})
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return fixture{store: s, engine: NewEngine(router, log, opts)}
}

func physicsBank(n int) []models.Question {
	var qs []models.Question
	for i := 0; i < n; i++ {
		qs = append(qs, mkQuestion(fmt.Sprintf("p%d", i), "Physics", models.AllDifficulties[i%3], 0))
	}
	return qs
}

func assertWellFormed(t *testing.T, got []models.Question, f query.Filter, count int) {
	t.Helper()
	assert.LessOrEqual(t, len(got), count)
	seen := map[string]bool{}
	for i := range got {
		assert.False(t, seen[got[i].ID], "duplicate id %s", got[i].ID)
		seen[got[i].ID] = true
		assert.True(t, got[i].IsActive)
		assert.True(t, f.Matches(&got[i]), "record %s does not match filter", got[i].ID)
	}
}

func TestRequestValidate(t *testing.T) {
	r := Request{Count: 5, Filter: query.Filter{IncludeInactive: true}}
	require.NoError(t, r.Validate(10))
	assert.Equal(t, StrategyRandom, r.Strategy)
	assert.False(t, r.Filter.IncludeInactive)

	for name, bad := range map[string]Request{
		"zero count":  {Count: 0},
		"over max":    {Count: 11},
		"unknown":     {Count: 1, Strategy: "adaptive"},
		"bad filter":  {Count: 1, Filter: query.Filter{Difficulty: "extreme"}},
		"negative":    {Count: -3},
		"blank tag":   {Count: 1, Filter: query.Filter{Tags: []string{" "}}},
		"bad subject": {Count: 1, Filter: query.Filter{Subjects: []string{""}}},
	} {
		t.Run(name, func(t *testing.T) {
			var ve *dberr.ValidationError
			assert.ErrorAs(t, bad.Validate(10), &ve)
		})
	}
}

func TestWeightedReturnsWhatExists(t *testing.T) {
	qs := []models.Question{
		mkQuestion("p1", "Physics", models.DifficultyEasy, 0),
		mkQuestion("p2", "Physics", models.DifficultyMedium, 0),
		mkQuestion("p3", "Physics", models.DifficultyHard, 0),
		mkQuestion("p4", "Physics", models.DifficultyHard, 50),
		mkQuestion("c1", "Chemistry", models.DifficultyHard, 0),
	}
	fx := newFixture(t, Options{}, qs...)
	f := query.Filter{Subjects: []string{"Physics"}}

	got, err := fx.engine.Sample(context.Background(), Request{Filter: f, Count: 10, Strategy: StrategyWeighted})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assertWellFormed(t, got, f, 10)

	// heaviest first: hard with attempts, hard, medium, easy
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids)
}

func TestWeightedKeepsHeaviest(t *testing.T) {
	var qs []models.Question
	for i := 0; i < 4; i++ {
		qs = append(qs, mkQuestion(fmt.Sprintf("e%d", i), "Physics", models.DifficultyEasy, 0))
		qs = append(qs, mkQuestion(fmt.Sprintf("h%d", i), "Physics", models.DifficultyHard, 0))
	}
	fx := newFixture(t, Options{}, qs...)

	// pool of 8 covers the whole bank, so the 4 hard ones must win
	got, err := fx.engine.Sample(context.Background(), Request{Count: 4, Strategy: StrategyWeighted})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, q := range got {
		assert.Equal(t, models.DifficultyHard, q.Difficulty)
	}
}

func TestWeight(t *testing.T) {
	easy := mkQuestion("a", "Physics", models.DifficultyEasy, 0)
	hard := mkQuestion("b", "Physics", models.DifficultyHard, 100)
	assert.InDelta(t, 1.0, Weight(&easy), 1e-9)
	assert.InDelta(t, 6.0, Weight(&hard), 1e-9)
}

func TestRandomStrategy(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(12)...)
	f := query.Filter{Subjects: []string{"Physics"}, ExcludeIDs: []string{"p0", "p1"}}

	got, err := fx.engine.Sample(context.Background(), Request{Filter: f, Count: 5})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assertWellFormed(t, got, f.Normalize(), 5)
}

func TestSampleSkipsInactive(t *testing.T) {
	qs := physicsBank(6)
	for i := range qs[:3] {
		qs[i].IsActive = false
	}
	fx := newFixture(t, Options{}, qs...)

	for _, s := range []Strategy{StrategyRandom, StrategyWeighted, StrategyBalanced} {
		got, err := fx.engine.Sample(context.Background(), Request{Count: 6, Strategy: s})
		require.NoError(t, err, s)
		assert.Len(t, got, 3, s)
		assertWellFormed(t, got, query.Filter{}, 6)
	}
}

func TestBalancedSpreadsAcrossPartitions(t *testing.T) {
	var qs []models.Question
	for _, subj := range []string{"Physics", "Chemistry"} {
		for _, d := range models.AllDifficulties {
			for i := 0; i < 5; i++ {
				qs = append(qs, mkQuestion(fmt.Sprintf("%s-%s-%d", subj, d, i), subj, d, 0))
			}
		}
	}
	fx := newFixture(t, Options{}, qs...)

	got, err := fx.engine.Sample(context.Background(), Request{Count: 12, Strategy: StrategyBalanced})
	require.NoError(t, err)
	require.Len(t, got, 12)
	assertWellFormed(t, got, query.Filter{}, 12)

	perPartition := map[string]int{}
	for _, q := range got {
		perPartition[q.Subject+"/"+string(q.Difficulty)]++
	}
	assert.Len(t, perPartition, 6)
	for k, n := range perPartition {
		assert.Equal(t, 2, n, "partition %s", k)
	}
	assert.Equal(t, 6, fx.store.Calls("sample"))
}

func TestBalancedUsesNonEmptyPartitions(t *testing.T) {
	// only two partitions hold data, so each gets ceil(6/2) = 3
	var qs []models.Question
	for i := 0; i < 4; i++ {
		qs = append(qs, mkQuestion(fmt.Sprintf("pe%d", i), "Physics", models.DifficultyEasy, 0))
		qs = append(qs, mkQuestion(fmt.Sprintf("ch%d", i), "Chemistry", models.DifficultyHard, 0))
	}
	fx := newFixture(t, Options{}, qs...)

	got, err := fx.engine.Sample(context.Background(), Request{Count: 6, Strategy: StrategyBalanced})
	require.NoError(t, err)
	assert.Len(t, got, 6)

	fixed := newFixture(t, Options{FixedPartitions: 6}, qs...)
	got, err = fixed.engine.Sample(context.Background(), Request{Count: 6, Strategy: StrategyBalanced})
	require.NoError(t, err)
	assert.Len(t, got, 2, "a fixed partition count of 6 gives each partition a quota of 1")
}

func TestBalancedUnderfilledPartitionsAreNotPadded(t *testing.T) {
	qs := []models.Question{
		mkQuestion("e1", "Physics", models.DifficultyEasy, 0),
		mkQuestion("h1", "Physics", models.DifficultyHard, 0),
		mkQuestion("h2", "Physics", models.DifficultyHard, 0),
		mkQuestion("h3", "Physics", models.DifficultyHard, 0),
		mkQuestion("h4", "Physics", models.DifficultyHard, 0),
	}
	fx := newFixture(t, Options{}, qs...)

	got, err := fx.engine.Sample(context.Background(), Request{Count: 4, Strategy: StrategyBalanced})
	require.NoError(t, err)
	// quota 2 each: one easy exists, two hard are drawn
	assert.Len(t, got, 3)
}

func TestBalancedAbortsOnPartitionFailure(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(6)...)
	fx.store.SetFault(func(op string) error {
		if op == "sample" {
			return syscall.ECONNREFUSED
		}
		return nil
	})

	_, err := fx.engine.Sample(context.Background(), Request{Count: 3, Strategy: StrategyBalanced})
	require.Error(t, err)
	assert.True(t, dberr.IsUnavailable(err))
}

func TestBalancedWithoutSecondaryScansPrimary(t *testing.T) {
	s := memstore.New("primary", memstore.WithSeed(7), memstore.WithCapabilities(query.CapSample))
	for _, q := range []models.Question{
		mkQuestion("pe1", "Physics", models.DifficultyEasy, 0),
		mkQuestion("pe2", "Physics", models.DifficultyEasy, 0),
		mkQuestion("ph1", "Physics", models.DifficultyHard, 0),
		mkQuestion("ph2", "Physics", models.DifficultyHard, 0),
		mkQuestion("ce1", "Chemistry", models.DifficultyEasy, 0),
		mkQuestion("ce2", "Chemistry", models.DifficultyEasy, 0),
	} {
		require.NoError(t, s.Create(context.Background(), &q))
	}
	log := logging.Discard()
	exec := retry.NewExecutor(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Timeout: time.Second}, log)
	router := storage.NewRouter(s, nil, exec, log, storage.Options{Collection: "questions"})
	engine := NewEngine(router, log, Options{Seed: 42})

	got, err := engine.Sample(context.Background(), Request{Count: 3, Strategy: StrategyBalanced})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assertWellFormed(t, got, query.Filter{}, 3)

	perPartition := map[string]int{}
	for _, q := range got {
		perPartition[q.Subject+"/"+string(q.Difficulty)]++
	}
	assert.Len(t, perPartition, 3)
	assert.Zero(t, s.Calls("aggregate"))
	assert.Equal(t, 3, s.Calls("sample"))
}

func TestSampleNeverReturnsInactive(t *testing.T) {
	dead := mkQuestion("dead", "Physics", models.DifficultyEasy, 0)
	dead.IsActive = false
	fx := newFixture(t, Options{}, dead, mkQuestion("live", "Physics", models.DifficultyEasy, 0))

	f := query.Filter{Subjects: []string{"Physics"}, IncludeInactive: true}
	for _, s := range []Strategy{StrategyRandom, StrategyWeighted, StrategyBalanced} {
		got, err := fx.engine.Sample(context.Background(), Request{Filter: f, Count: 10, Strategy: s})
		require.NoError(t, err, s)
		require.Len(t, got, 1, s)
		assert.Equal(t, "live", got[0].ID, s)
	}

	got, err := fx.engine.RandomQuestions(context.Background(), f, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].ID)
}

func TestBalancedEmptyBank(t *testing.T) {
	fx := newFixture(t, Options{})
	got, err := fx.engine.Sample(context.Background(), Request{Count: 3, Strategy: StrategyBalanced})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRandomQuestionsCountExceedsTotal(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(5)...)
	f := query.Filter{Subjects: []string{"Physics"}}

	got, err := fx.engine.RandomQuestions(context.Background(), f, 50)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assertWellFormed(t, got, f, 50)
}

func TestRandomQuestionsSubset(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(30)...)

	got, err := fx.engine.RandomQuestions(context.Background(), query.Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assertWellFormed(t, got, query.Filter{}, 10)
	assert.Equal(t, 1, fx.store.Calls("count"))
	assert.Equal(t, 10, fx.store.Calls("find"))
}

func TestRandomQuestionsNoMatches(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(3)...)
	got, err := fx.engine.RandomQuestions(context.Background(), query.Filter{Subjects: []string{"Biology"}}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, fx.store.Calls("find"))
}

func TestRandomQuestionsPropagatesErrors(t *testing.T) {
	fx := newFixture(t, Options{}, physicsBank(3)...)
	fx.store.SetFault(func(op string) error {
		if op == "find" {
			return &dberr.ValidationError{Field: "x", Message: "broken", Err: errors.New("boom")}
		}
		return nil
	})
	_, err := fx.engine.RandomQuestions(context.Background(), query.Filter{}, 2)
	var ve *dberr.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDistinctOffsets(t *testing.T) {
	e := NewEngine(nil, logging.Discard(), Options{Seed: 1})
	for _, tc := range []struct{ n, total int64 }{{5, 5}, {50, 5}, {3, 1000}, {1, 1}} {
		offs := e.distinctOffsets(tc.n, tc.total)
		assert.Len(t, offs, int(min(tc.n, tc.total)))
		seen := map[int64]bool{}
		for _, o := range offs {
			assert.False(t, seen[o])
			seen[o] = true
			assert.GreaterOrEqual(t, o, int64(0))
			assert.Less(t, o, tc.total)
		}
	}
}

func TestFinalize(t *testing.T) {
	a := mkQuestion("a", "Physics", models.DifficultyEasy, 0)
	b := mkQuestion("b", "Chemistry", models.DifficultyEasy, 0)
	c := mkQuestion("c", "Physics", models.DifficultyEasy, 0)
	out := finalize([]models.Question{a, b, a, c}, query.Filter{Subjects: []string{"Physics"}}, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}
