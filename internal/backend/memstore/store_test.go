package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func question(id, subject string, d models.Difficulty, tags ...string) models.Question {
	return models.Question{
		ID:         id,
		Subject:    subject,
		Chapter:    "General",
		Difficulty: d,
		Body:       "Body of " + id,
		Options:    []models.Option{{Text: "a", IsCorrect: true}, {Text: "b"}},
		Tags:       tags,
		IsActive:   true,
	}
}

func seed(t *testing.T, s *Store, qs ...models.Question) {
	t.Helper()
	for i := range qs {
		require.NoError(t, s.Create(context.Background(), &qs[i]))
	}
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := New("primary", WithSeed(1))
	seed(t, s,
		question("p1", "Physics", models.DifficultyEasy, "jee"),
		question("p2", "Physics", models.DifficultyHard),
		question("c1", "Chemistry", models.DifficultyEasy),
	)

	got, err := s.Find(ctx, query.Query{Filter: query.Filter{Subjects: []string{"Physics"}}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Find(ctx, query.Query{Filter: query.Filter{Tags: []string{"jee"}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)

	err = s.Create(ctx, &models.Question{ID: "p1"})
	var ce *dberr.ConflictError
	assert.ErrorAs(t, err, &ce)

	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestFindRejectsUnsupportedShape(t *testing.T) {
	s := New("primary", WithCapabilities(query.CapSample))
	_, err := s.Find(context.Background(), query.Query{Pattern: "^Body"})
	assert.ErrorIs(t, err, dberr.ErrUnsupportedQuery)
}

func TestFindPaging(t *testing.T) {
	ctx := context.Background()
	s := New("primary")
	for i := 0; i < 5; i++ {
		q := question(fmt.Sprintf("q%d", i), "Physics", models.DifficultyEasy)
		q.Stats.TotalAttempts = i * 10
		seed(t, s, q)
	}

	got, err := s.Find(ctx, query.Query{Sort: query.SortTotalAttempts, Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q4", got[0].ID)
	assert.Equal(t, "q3", got[1].ID)

	got, err = s.Find(ctx, query.Query{Sort: query.SortTotalAttempts, Skip: 4, Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q4", got[0].ID)
}

func TestAggregateGroupsByTag(t *testing.T) {
	s := New("secondary")
	seed(t, s,
		question("p1", "Physics", models.DifficultyEasy, "jee", "neet"),
		question("p2", "Physics", models.DifficultyEasy, "jee"),
	)

	buckets, err := s.Aggregate(context.Background(), query.Aggregation{GroupBy: []query.GroupField{query.GroupTag}})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "jee", buckets[0].Key[query.GroupTag])
	assert.EqualValues(t, 2, buckets[0].Count)
	assert.EqualValues(t, 1, buckets[1].Count)
}

func TestSampleIsBoundedAndFiltered(t *testing.T) {
	s := New("primary", WithSeed(7))
	for i := 0; i < 20; i++ {
		seed(t, s, question(fmt.Sprintf("q%02d", i), "Physics", models.DifficultyMedium))
	}
	got, err := s.Sample(context.Background(), query.Filter{ExcludeIDs: []string{"q00", "q01"}}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	seen := map[string]bool{}
	for _, q := range got {
		assert.NotContains(t, []string{"q00", "q01"}, q.ID)
		assert.False(t, seen[q.ID], "duplicate %s", q.ID)
		seen[q.ID] = true
	}
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	s := New("primary")
	seed(t, s, question("p1", "Physics", models.DifficultyEasy))

	_, err := s.RecordAttempt(ctx, "p1", true, 40)
	require.NoError(t, err)
	q, err := s.RecordAttempt(ctx, "p1", false, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Stats.TotalAttempts)
	assert.Equal(t, 1, q.Stats.CorrectAttempts)
	assert.InDelta(t, 30.0, q.Stats.AverageTimeSpent, 1e-9)
}

func TestFaultInjection(t *testing.T) {
	s := New("primary")
	boom := errors.New("connection reset by peer")
	s.SetFault(func(op string) error {
		if op == "find" {
			return boom
		}
		return nil
	})

	_, err := s.Find(context.Background(), query.Query{})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 1, s.Calls("find"))
}
