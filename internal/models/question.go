package models

import (
	"strings"
	"time"

	"github.com/qbank-platform/backend/internal/dberr"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

var ValidDifficulties = map[Difficulty]bool{
	DifficultyEasy:   true,
	DifficultyMedium: true,
	DifficultyHard:   true,
}

// AllDifficulties in ascending order.
var AllDifficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Factor is the sampling weight multiplier for the level.
func (d Difficulty) Factor() float64 {
	switch d {
	case DifficultyHard:
		return 3
	case DifficultyMedium:
		return 2
	case DifficultyEasy:
		return 1
	}
	return 1
}

// Rank orders levels for sorting.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	}
	return 0
}

// ── Core Structs ───────────────────────────────────────

type Option struct {
	Text      string `json:"text" bson:"text"`
	IsCorrect bool   `json:"is_correct" bson:"is_correct"`
}

type Statistics struct {
	TotalAttempts    int     `json:"total_attempts" bson:"total_attempts"`
	CorrectAttempts  int     `json:"correct_attempts" bson:"correct_attempts"`
	AverageTimeSpent float64 `json:"average_time_spent" bson:"average_time_spent"`
}

// Record folds one attempt into the running totals.
func (s *Statistics) Record(correct bool, timeSpent float64) {
	n := float64(s.TotalAttempts)
	s.AverageTimeSpent = (s.AverageTimeSpent*n + timeSpent) / (n + 1)
	s.TotalAttempts++
	if correct {
		s.CorrectAttempts++
	}
}

// Accuracy is the fraction of correct attempts, 0 when never attempted.
func (s Statistics) Accuracy() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.CorrectAttempts) / float64(s.TotalAttempts)
}

type Question struct {
	ID         string     `json:"id" bson:"_id"`
	Subject    string     `json:"subject" bson:"subject"`
	Chapter    string     `json:"chapter" bson:"chapter"`
	Difficulty Difficulty `json:"difficulty" bson:"difficulty"`
	Body       string     `json:"body" bson:"body"`
	Options    []Option   `json:"options" bson:"options"`
	Tags       []string   `json:"tags" bson:"tags"`
	ExamYear   *int       `json:"exam_year,omitempty" bson:"exam_year,omitempty"`
	Stats      Statistics `json:"statistics" bson:"statistics"`
	IsActive   bool       `json:"is_active" bson:"is_active"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" bson:"updated_at"`
}

// Validate checks the structural invariants every stored record satisfies.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Subject) == "" {
		return dberr.Validation("subject", "required")
	}
	if strings.TrimSpace(q.Chapter) == "" {
		return dberr.Validation("chapter", "required")
	}
	if !ValidDifficulties[q.Difficulty] {
		return dberr.Validation("difficulty", "invalid difficulty %q", q.Difficulty)
	}
	if strings.TrimSpace(q.Body) == "" {
		return dberr.Validation("body", "required")
	}
	if err := validateOptions(q.Options); err != nil {
		return err
	}
	if q.Stats.TotalAttempts < 0 || q.Stats.CorrectAttempts < 0 || q.Stats.CorrectAttempts > q.Stats.TotalAttempts {
		return dberr.Validation("statistics", "attempt counters out of range")
	}
	if q.Stats.AverageTimeSpent < 0 {
		return dberr.Validation("statistics", "average time spent must not be negative")
	}
	if q.ExamYear != nil && (*q.ExamYear < 1900 || *q.ExamYear > 2100) {
		return dberr.Validation("exam_year", "out of range: %d", *q.ExamYear)
	}
	return nil
}

func validateOptions(opts []Option) error {
	if len(opts) < 2 {
		return dberr.Validation("options", "at least 2 options required, got %d", len(opts))
	}
	correct := 0
	for i, o := range opts {
		if strings.TrimSpace(o.Text) == "" {
			return dberr.Validation("options", "option %d has empty text", i)
		}
		if o.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return dberr.Validation("options", "exactly one correct option required, got %d", correct)
	}
	return nil
}

// QuestionPatch is a partial update. Nil fields are left unchanged.
// Statistics are not patchable; they change only through attempts.
type QuestionPatch struct {
	Subject    *string     `json:"subject,omitempty"`
	Chapter    *string     `json:"chapter,omitempty"`
	Difficulty *Difficulty `json:"difficulty,omitempty"`
	Body       *string     `json:"body,omitempty"`
	Options    []Option    `json:"options,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	ExamYear   *int        `json:"exam_year,omitempty"`
	IsActive   *bool       `json:"is_active,omitempty"`
}

func (p QuestionPatch) IsEmpty() bool {
	return p.Subject == nil && p.Chapter == nil && p.Difficulty == nil && p.Body == nil &&
		p.Options == nil && p.Tags == nil && p.ExamYear == nil && p.IsActive == nil
}

// Validate checks the fields the patch sets.
func (p QuestionPatch) Validate() error {
	if p.IsEmpty() {
		return dberr.Validation("patch", "no fields to update")
	}
	if p.Subject != nil && strings.TrimSpace(*p.Subject) == "" {
		return dberr.Validation("subject", "required")
	}
	if p.Chapter != nil && strings.TrimSpace(*p.Chapter) == "" {
		return dberr.Validation("chapter", "required")
	}
	if p.Difficulty != nil && !ValidDifficulties[*p.Difficulty] {
		return dberr.Validation("difficulty", "invalid difficulty %q", *p.Difficulty)
	}
	if p.Body != nil && strings.TrimSpace(*p.Body) == "" {
		return dberr.Validation("body", "required")
	}
	if p.Options != nil {
		if err := validateOptions(p.Options); err != nil {
			return err
		}
	}
	if p.ExamYear != nil && (*p.ExamYear < 1900 || *p.ExamYear > 2100) {
		return dberr.Validation("exam_year", "out of range: %d", *p.ExamYear)
	}
	return nil
}

// Structural reports whether the patch touches a field the metadata
// rollups or filter option lists depend on.
func (p QuestionPatch) Structural() bool {
	return p.Subject != nil || p.Chapter != nil || p.Difficulty != nil ||
		p.Tags != nil || p.ExamYear != nil || p.IsActive != nil
}

// Apply returns a copy of q with the patch applied.
func (p QuestionPatch) Apply(q Question) Question {
	if p.Subject != nil {
		q.Subject = *p.Subject
	}
	if p.Chapter != nil {
		q.Chapter = *p.Chapter
	}
	if p.Difficulty != nil {
		q.Difficulty = *p.Difficulty
	}
	if p.Body != nil {
		q.Body = *p.Body
	}
	if p.Options != nil {
		q.Options = append([]Option(nil), p.Options...)
	}
	if p.Tags != nil {
		q.Tags = append([]string(nil), p.Tags...)
	}
	if p.ExamYear != nil {
		y := *p.ExamYear
		q.ExamYear = &y
	}
	if p.IsActive != nil {
		q.IsActive = *p.IsActive
	}
	return q
}

// Clone deep-copies the record's slices.
func (q Question) Clone() Question {
	q.Options = append([]Option(nil), q.Options...)
	q.Tags = append([]string(nil), q.Tags...)
	if q.ExamYear != nil {
		y := *q.ExamYear
		q.ExamYear = &y
	}
	return q
}

// ── API Requests/Responses ─────────────────────────────

type AttemptRequest struct {
	IsCorrect bool    `json:"is_correct"`
	TimeSpent float64 `json:"time_spent"`
}

type QuestionListResponse struct {
	Questions []Question `json:"questions"`
	Total     int64      `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

type SubjectMeta struct {
	Subject      string               `json:"subject"`
	Total        int64                `json:"total"`
	ByDifficulty map[Difficulty]int64 `json:"by_difficulty"`
	Chapters     map[string]int64     `json:"chapters"`
}

type Metadata struct {
	Total    int64         `json:"total"`
	Subjects []SubjectMeta `json:"subjects"`
}

type FilterOptions struct {
	Subjects     []string     `json:"subjects"`
	Chapters     []string     `json:"chapters"`
	Difficulties []Difficulty `json:"difficulties"`
	Tags         []string     `json:"tags"`
	ExamYears    []int        `json:"exam_years"`
}

// ── Export/Import ────────────────────────────────────────

type ExportEnvelope struct {
	Version    int        `json:"version"`
	ExportedAt time.Time  `json:"exported_at"`
	Questions  []Question `json:"questions"`
}

type ImportResult struct {
	TotalInPayload int      `json:"total_in_payload"`
	Imported       int      `json:"imported"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
