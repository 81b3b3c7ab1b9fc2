package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

func TestFilterTranslation(t *testing.T) {
	got := Filter(query.Filter{
		Subjects:   []string{"Physics", "Chemistry"},
		Difficulty: models.DifficultyHard,
		Tags:       []string{"jee"},
		IDs:        []string{"a", "b"},
		ExcludeIDs: []string{"b"},
	})
	want := bson.D{
		{Key: "is_active", Value: true},
		{Key: "subject", Value: bson.D{{Key: "$in", Value: []string{"Chemistry", "Physics"}}}},
		{Key: "difficulty", Value: "hard"},
		{Key: "tags", Value: bson.D{{Key: "$in", Value: []string{"jee"}}}},
		{Key: "_id", Value: bson.D{
			{Key: "$in", Value: []string{"a", "b"}},
			{Key: "$nin", Value: []string{"b"}},
		}},
	}
	assert.Equal(t, want, got)
}

func TestFilterIncludeInactiveIsUnconstrained(t *testing.T) {
	assert.Equal(t, bson.D{}, Filter(query.Filter{IncludeInactive: true}))
}

func TestQueryFilterAddsCaseInsensitiveRegex(t *testing.T) {
	d := queryFilter(query.Query{Pattern: "^newton"})
	require.Len(t, d, 2)
	assert.Equal(t, "body", d[1].Key)
	assert.Equal(t, primitive.Regex{Pattern: "^newton", Options: "i"}, d[1].Value)
}

func TestSortDoc(t *testing.T) {
	assert.Equal(t, bson.D{
		{Key: "statistics.total_attempts", Value: -1},
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	}, sortDoc(query.SortTotalAttempts, true))
	assert.Equal(t, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, sortDoc("", false))
}

func TestFindPipelineForDifficulty(t *testing.T) {
	p := findPipeline(query.Query{Sort: query.SortDifficulty, Skip: 5, Limit: 10})
	stages := make([]string, len(p))
	for i, stage := range p {
		stages[i] = stage[0].Key
	}
	assert.Equal(t, []string{"$match", "$addFields", "$sort", "$skip", "$limit", "$project"}, stages)
}

func TestSetDoc(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chapter := "Waves"
	active := false
	got := setDoc(models.QuestionPatch{Chapter: &chapter, IsActive: &active}, now)
	assert.Equal(t, bson.D{
		{Key: "chapter", Value: "Waves"},
		{Key: "is_active", Value: false},
		{Key: "updated_at", Value: now},
	}, got)
}

func TestAttemptUpdateIsSingleStage(t *testing.T) {
	p := attemptUpdate(true, 12.5, time.Now())
	require.Len(t, p, 1)
	assert.Equal(t, "$set", p[0][0].Key)
	fields := p[0][0].Value.(bson.D)
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	assert.Equal(t, []string{
		"statistics.average_time_spent",
		"statistics.total_attempts",
		"statistics.correct_attempts",
		"updated_at",
	}, keys)
}

func TestGroupPipeline(t *testing.T) {
	p := groupPipeline(query.Aggregation{
		Match:   query.Filter{Subjects: []string{"Physics"}},
		GroupBy: []query.GroupField{query.GroupTag, query.GroupExamYear},
	})
	require.Len(t, p, 4)
	assert.Equal(t, "$match", p[0][0].Key)
	match := p[0][0].Value.(bson.D)
	assert.Equal(t, "exam_year", match[len(match)-1].Key)
	assert.Equal(t, bson.E{Key: "$unwind", Value: "$tags"}, p[1][0])
	assert.Equal(t, "$group", p[2][0].Key)
	assert.Equal(t, "$sort", p[3][0].Key)
}

func TestCapabilities(t *testing.T) {
	s := New(nil, nil, "primary")
	assert.True(t, s.Capabilities().Has(query.CapRegex|query.CapSample))
	assert.False(t, s.Capabilities().Has(query.CapTextSearch))
}
