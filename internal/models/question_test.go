package models

import (
	"math"
	"testing"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validQuestion() Question {
	return Question{
		ID:         "q1",
		Subject:    "Physics",
		Chapter:    "Optics",
		Difficulty: DifficultyMedium,
		Body:       "Which lens converges light?",
		Options: []Option{
			{Text: "Convex", IsCorrect: true},
			{Text: "Concave"},
		},
		IsActive: true,
	}
}

func TestQuestionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *Question)
		field  string
	}{
		{"valid", func(q *Question) {}, ""},
		{"missing subject", func(q *Question) { q.Subject = " " }, "subject"},
		{"bad difficulty", func(q *Question) { q.Difficulty = "extreme" }, "difficulty"},
		{"two correct", func(q *Question) { q.Options[1].IsCorrect = true }, "options"},
		{"no correct", func(q *Question) { q.Options[0].IsCorrect = false }, "options"},
		{"one option", func(q *Question) { q.Options = q.Options[:1] }, "options"},
		{"correct exceeds total", func(q *Question) { q.Stats = Statistics{TotalAttempts: 1, CorrectAttempts: 2} }, "statistics"},
		{"year", func(q *Question) { y := 1200; q.ExamYear = &y }, "exam_year"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuestion()
			tt.mutate(&q)
			err := q.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *dberr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestStatisticsRecord(t *testing.T) {
	var s Statistics
	s.Record(true, 30)
	s.Record(false, 60)
	s.Record(true, 90)

	assert.Equal(t, 3, s.TotalAttempts)
	assert.Equal(t, 2, s.CorrectAttempts)
	if math.Abs(s.AverageTimeSpent-60) > 1e-9 {
		t.Errorf("AverageTimeSpent = %f, want 60", s.AverageTimeSpent)
	}
	assert.InDelta(t, 2.0/3.0, s.Accuracy(), 1e-9)
	assert.Equal(t, 0.0, Statistics{}.Accuracy())
}

func TestDifficultyFactor(t *testing.T) {
	tests := []struct {
		d    Difficulty
		want float64
	}{
		{DifficultyHard, 3},
		{DifficultyMedium, 2},
		{DifficultyEasy, 1},
	}
	for _, tt := range tests {
		if got := tt.d.Factor(); got != tt.want {
			t.Errorf("%s.Factor() = %f, want %f", tt.d, got, tt.want)
		}
	}
}

func TestPatchApply(t *testing.T) {
	q := validQuestion()
	chapter := "Waves"
	inactive := false
	patched := QuestionPatch{Chapter: &chapter, IsActive: &inactive, Tags: []string{"cbse"}}.Apply(q)

	assert.Equal(t, "Waves", patched.Chapter)
	assert.False(t, patched.IsActive)
	assert.Equal(t, []string{"cbse"}, patched.Tags)
	assert.Equal(t, "Optics", q.Chapter)
	assert.True(t, QuestionPatch{}.IsEmpty())
	assert.False(t, QuestionPatch{Chapter: &chapter}.IsEmpty())
}

func TestPatchValidate(t *testing.T) {
	blank := " "
	bad := Difficulty("extreme")
	year := 1800
	hard := DifficultyHard
	tests := []struct {
		name  string
		patch QuestionPatch
		field string
	}{
		{"empty", QuestionPatch{}, "patch"},
		{"blank subject", QuestionPatch{Subject: &blank}, "subject"},
		{"bad difficulty", QuestionPatch{Difficulty: &bad}, "difficulty"},
		{"two correct", QuestionPatch{Options: []Option{{Text: "a", IsCorrect: true}, {Text: "b", IsCorrect: true}}}, "options"},
		{"old year", QuestionPatch{ExamYear: &year}, "exam_year"},
		{"ok", QuestionPatch{Difficulty: &hard}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *dberr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	assert.True(t, QuestionPatch{Difficulty: &hard}.Structural())
	assert.False(t, QuestionPatch{Body: &blank}.Structural())
}
