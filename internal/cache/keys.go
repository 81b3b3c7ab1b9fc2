package cache

import (
	"context"
	"net/url"

	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

// Key layout:
//
//	q:id:<id>                                  one record
//	q:s:<subject>:c:<chapter>:<kind>:<canon>   scoped to one subject and chapter
//	q:s:<subject>:<kind>:<canon>               scoped to one subject
//	q:list:<kind>:<canon>                      anything broader
//	meta:<kind>:<canon>                        rollups over the whole bank
//
// Components are query-escaped, so ':' and '*' never appear inside one.
const (
	KindFind    = "find"
	KindCount   = "count"
	KindSample  = "sample"
	KindRandom  = "random"
	KindPopular = "popular"
	KindMeta    = "meta"
	KindOptions = "options"
)

const (
	ListPrefix      = "q:list:*"
	MetaPrefix      = "meta:*"
	QuestionsPrefix = "q:*"
)

func esc(s string) string { return url.QueryEscape(s) }

func QuestionKey(id string) string { return "q:id:" + esc(id) }

// ScopedKey files an entry under the narrowest scope its filter pins down.
func ScopedKey(kind string, f query.Filter, canonical string) string {
	n := f.Normalize()
	if len(n.Subjects) == 1 {
		scope := "q:s:" + esc(n.Subjects[0]) + ":"
		if len(n.Chapters) == 1 {
			scope += "c:" + esc(n.Chapters[0]) + ":"
		}
		return scope + kind + ":" + canonical
	}
	return "q:list:" + kind + ":" + canonical
}

func MetaKey(kind, canonical string) string { return "meta:" + kind + ":" + canonical }

func SubjectPrefix(subject string) string { return "q:s:" + esc(subject) + ":*" }

func ChapterPrefix(subject, chapter string) string {
	return "q:s:" + esc(subject) + ":c:" + esc(chapter) + ":*"
}

// InvalidateQuestion drops every entry a write to q can make stale: its
// by-id entry, its subject and chapter scopes, and unscoped listings.
// previous, when set, is the record before the write, so a record moved to
// another subject or chapter also clears its old scopes.
func InvalidateQuestion(ctx context.Context, c Cache, q, previous *models.Question) {
	if c == nil || q == nil {
		return
	}
	c.Invalidate(ctx, QuestionKey(q.ID))
	c.Invalidate(ctx, SubjectPrefix(q.Subject))
	c.Invalidate(ctx, ChapterPrefix(q.Subject, q.Chapter))
	c.Invalidate(ctx, ListPrefix)
	if previous != nil && (previous.Subject != q.Subject || previous.Chapter != q.Chapter) {
		c.Invalidate(ctx, SubjectPrefix(previous.Subject))
		c.Invalidate(ctx, ChapterPrefix(previous.Subject, previous.Chapter))
	}
}
