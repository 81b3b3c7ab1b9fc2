// Package query describes question lookups independently of any backend:
// filters, sorted/paged queries, aggregations, and their canonical forms
// used for cache keys.
package query

import (
	"net/url"
	"sort"
	"strings"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
)

// Filter is a conjunction of optional predicates over question records.
// Empty fields do not constrain. Reads always imply is_active = true unless
// IncludeInactive is set.
type Filter struct {
	Subjects        []string          `json:"subjects,omitempty"`
	Chapters        []string          `json:"chapters,omitempty"`
	Difficulty      models.Difficulty `json:"difficulty,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	ExcludeIDs      []string          `json:"exclude_ids,omitempty"`
	IDs             []string          `json:"ids,omitempty"`
	IncludeInactive bool              `json:"include_inactive,omitempty"`
}

// Builder assembles a Filter and validates it once at Build.
type Builder struct {
	f Filter
}

func NewFilter() *Builder { return &Builder{} }

func (b *Builder) Subjects(subjects ...string) *Builder {
	b.f.Subjects = append(b.f.Subjects, subjects...)
	return b
}

func (b *Builder) Chapters(chapters ...string) *Builder {
	b.f.Chapters = append(b.f.Chapters, chapters...)
	return b
}

func (b *Builder) Difficulty(d models.Difficulty) *Builder {
	b.f.Difficulty = d
	return b
}

func (b *Builder) Tags(tags ...string) *Builder {
	b.f.Tags = append(b.f.Tags, tags...)
	return b
}

func (b *Builder) Exclude(ids ...string) *Builder {
	b.f.ExcludeIDs = append(b.f.ExcludeIDs, ids...)
	return b
}

func (b *Builder) IDs(ids ...string) *Builder {
	b.f.IDs = append(b.f.IDs, ids...)
	return b
}

func (b *Builder) IncludeInactive() *Builder {
	b.f.IncludeInactive = true
	return b
}

// Build returns the normalized filter or a validation error.
func (b *Builder) Build() (Filter, error) {
	f := b.f.Normalize()
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Validate checks every predicate value. Unknown difficulty levels and
// blank values are rejected rather than silently matching nothing.
func (f Filter) Validate() error {
	if f.Difficulty != "" && !models.ValidDifficulties[f.Difficulty] {
		return dberr.Validation("difficulty", "unknown difficulty %q", f.Difficulty)
	}
	for field, values := range map[string][]string{
		"subjects":    f.Subjects,
		"chapters":    f.Chapters,
		"tags":        f.Tags,
		"exclude_ids": f.ExcludeIDs,
		"ids":         f.IDs,
	} {
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				return dberr.Validation(field, "empty value")
			}
		}
	}
	return nil
}

// Normalize returns a copy with trimmed, sorted, de-duplicated slices.
func (f Filter) Normalize() Filter {
	return Filter{
		Subjects:        normalizeList(f.Subjects),
		Chapters:        normalizeList(f.Chapters),
		Difficulty:      models.Difficulty(strings.ToLower(strings.TrimSpace(string(f.Difficulty)))),
		Tags:            normalizeList(f.Tags),
		ExcludeIDs:      normalizeList(f.ExcludeIDs),
		IDs:             normalizeList(f.IDs),
		IncludeInactive: f.IncludeInactive,
	}
}

// Matches evaluates the filter against a record in memory.
func (f Filter) Matches(q *models.Question) bool {
	if !f.IncludeInactive && !q.IsActive {
		return false
	}
	if len(f.Subjects) > 0 && !contains(f.Subjects, q.Subject) {
		return false
	}
	if len(f.Chapters) > 0 && !contains(f.Chapters, q.Chapter) {
		return false
	}
	if f.Difficulty != "" && q.Difficulty != f.Difficulty {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, t := range q.Tags {
			if contains(f.Tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(f.ExcludeIDs) > 0 && contains(f.ExcludeIDs, q.ID) {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, q.ID) {
		return false
	}
	return true
}

// Canonical renders the filter deterministically: field order is fixed and
// values are sorted, so equivalent filters share one cache key.
func (f Filter) Canonical() string {
	n := f.Normalize()
	var parts []string
	add := func(name string, values []string) {
		if len(values) == 0 {
			return
		}
		escaped := make([]string, len(values))
		for i, v := range values {
			escaped[i] = url.QueryEscape(v)
		}
		parts = append(parts, name+"="+strings.Join(escaped, ","))
	}
	add("chapters", n.Chapters)
	if n.Difficulty != "" {
		parts = append(parts, "difficulty="+string(n.Difficulty))
	}
	add("exclude", n.ExcludeIDs)
	add("ids", n.IDs)
	if n.IncludeInactive {
		parts = append(parts, "inactive=1")
	}
	add("subjects", n.Subjects)
	add("tags", n.Tags)
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ";")
}

// With returns a copy narrowed to one subject and difficulty.
func (f Filter) With(subject string, difficulty models.Difficulty) Filter {
	out := f.Normalize()
	out.Subjects = []string{subject}
	out.Difficulty = difficulty
	return out
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
