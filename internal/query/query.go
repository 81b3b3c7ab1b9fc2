package query

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
)

// Capability is a query shape a backend may or may not evaluate natively.
type Capability uint8

const (
	CapRegex Capability = 1 << iota
	CapTextSearch
	CapAggregate
	CapSample
)

// Has reports whether every capability in want is present in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	for _, x := range []struct {
		c    Capability
		name string
	}{{CapRegex, "regex"}, {CapTextSearch, "text"}, {CapAggregate, "aggregate"}, {CapSample, "sample"}} {
		if c&x.c != 0 {
			names = append(names, x.name)
		}
	}
	return strings.Join(names, "|")
}

type SortField string

const (
	SortCreatedAt     SortField = "created_at"
	SortTotalAttempts SortField = "total_attempts"
	SortDifficulty    SortField = "difficulty"
)

var validSorts = map[SortField]bool{
	SortCreatedAt:     true,
	SortTotalAttempts: true,
	SortDifficulty:    true,
}

// Query is a filtered, optionally searched, sorted and paged read.
type Query struct {
	Filter Filter `json:"filter"`
	// Text is a full-text search delegated to the store's text index.
	Text string `json:"text,omitempty"`
	// Pattern is a case-insensitive regular expression over the body. It runs
	// as Postgres ~* or a Mongo $regex, so only the syntax those engines share
	// with RE2 is accepted; see portablePattern.
	Pattern string    `json:"pattern,omitempty"`
	Sort    SortField `json:"sort,omitempty"`
	Desc    bool      `json:"desc,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Skip    int       `json:"skip,omitempty"`
}

// Requires lists the capabilities a backend needs to answer q.
func (q Query) Requires() Capability {
	var c Capability
	if q.Pattern != "" {
		c |= CapRegex
	}
	if q.Text != "" {
		c |= CapTextSearch
	}
	return c
}

func (q Query) Validate() error {
	if err := q.Filter.Validate(); err != nil {
		return err
	}
	if q.Sort != "" && !validSorts[q.Sort] {
		return dberr.Validation("sort", "unsupported sort field %q", q.Sort)
	}
	if q.Limit < 0 {
		return dberr.Validation("limit", "must not be negative")
	}
	if q.Skip < 0 {
		return dberr.Validation("offset", "must not be negative")
	}
	if q.Pattern != "" {
		if _, err := regexp.Compile(q.Pattern); err != nil {
			return dberr.Validation("pattern", "invalid regular expression: %v", err)
		}
		if err := portablePattern(q.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// Canonical is the deterministic form of q used in cache keys.
func (q Query) Canonical() string {
	parts := []string{q.Filter.Canonical()}
	if q.Text != "" {
		parts = append(parts, "text="+url.QueryEscape(strings.ToLower(strings.TrimSpace(q.Text))))
	}
	if q.Pattern != "" {
		parts = append(parts, "re="+url.QueryEscape(q.Pattern))
	}
	if q.Sort != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		parts = append(parts, "sort="+string(q.Sort)+"."+dir)
	}
	if q.Limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(q.Limit))
	}
	if q.Skip > 0 {
		parts = append(parts, "skip="+strconv.Itoa(q.Skip))
	}
	return strings.Join(parts, ";")
}

// GroupField names a record attribute an aggregation can group on.
type GroupField string

const (
	GroupSubject    GroupField = "subject"
	GroupChapter    GroupField = "chapter"
	GroupDifficulty GroupField = "difficulty"
	GroupTag        GroupField = "tag"
	GroupExamYear   GroupField = "exam_year"
)

var validGroups = map[GroupField]bool{
	GroupSubject:    true,
	GroupChapter:    true,
	GroupDifficulty: true,
	GroupTag:        true,
	GroupExamYear:   true,
}

// Aggregation counts matching records grouped by one or more fields.
type Aggregation struct {
	Match   Filter       `json:"match"`
	GroupBy []GroupField `json:"group_by"`
}

func (a Aggregation) Validate() error {
	if err := a.Match.Validate(); err != nil {
		return err
	}
	if len(a.GroupBy) == 0 {
		return dberr.Validation("group_by", "at least one field required")
	}
	for _, g := range a.GroupBy {
		if !validGroups[g] {
			return dberr.Validation("group_by", "unsupported group field %q", g)
		}
	}
	return nil
}

func (a Aggregation) Canonical() string {
	fields := make([]string, len(a.GroupBy))
	for i, g := range a.GroupBy {
		fields[i] = string(g)
	}
	return "group=" + strings.Join(fields, ",") + ";" + a.Match.Canonical()
}

// Bucket is one aggregation group. Key holds the grouped field values as text.
type Bucket struct {
	Key   map[GroupField]string `json:"key"`
	Count int64                 `json:"count"`
}

// Known query-string keys. Anything else is rejected.
var knownParams = map[string]bool{
	"subjects": true, "subject": true,
	"chapters": true, "chapter": true,
	"difficulty":  true,
	"tags":        true,
	"exclude_ids": true,
	"q":           true,
	"pattern":     true,
	"sort":        true,
	"order":       true,
	"limit":       true,
	"offset":      true,
	"count":       true,
	"strategy":    true,
}

// ParseValues builds a Query from URL parameters. List parameters accept
// repeated keys or comma separated values.
func ParseValues(v url.Values) (Query, error) {
	for key := range v {
		if !knownParams[key] {
			return Query{}, dberr.Validation(key, "unknown filter parameter")
		}
	}

	f := Filter{
		Subjects:   append(splitList(v["subjects"]), splitList(v["subject"])...),
		Chapters:   append(splitList(v["chapters"]), splitList(v["chapter"])...),
		Difficulty: models.Difficulty(v.Get("difficulty")),
		Tags:       splitList(v["tags"]),
		ExcludeIDs: splitList(v["exclude_ids"]),
	}.Normalize()

	q := Query{
		Filter:  f,
		Text:    strings.TrimSpace(v.Get("q")),
		Pattern: v.Get("pattern"),
		Sort:    SortField(v.Get("sort")),
		Desc:    strings.EqualFold(v.Get("order"), "desc"),
	}
	var err error
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return Query{}, err
	}
	if q.Skip, err = intParam(v, "offset"); err != nil {
		return Query{}, err
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

func intParam(v url.Values, key string) (int, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, dberr.Validation(key, "not an integer: %q", s)
	}
	return n, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (q Query) String() string {
	return fmt.Sprintf("query(%s)", q.Canonical())
}

// portablePattern rejects RE2 syntax that Postgres AREs or Mongo's PCRE read
// differently: inline flag and named groups, Unicode classes, \z and \Q..\E.
func portablePattern(p string) error {
	inClass := false
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '\\' && i+1 < len(p):
			switch p[i+1] {
			case 'p', 'P', 'z', 'Q', 'E', 'C':
				return dberr.Validation("pattern", "escape \\%c is not supported by every backend", p[i+1])
			}
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
			// a leading ] or ^] is literal
			if i+1 < len(p) && p[i+1] == '^' {
				i++
			}
			if i+1 < len(p) && p[i+1] == ']' {
				i++
			}
		case c == '(' && i+1 < len(p) && p[i+1] == '?':
			if i+2 >= len(p) || p[i+2] != ':' {
				return dberr.Validation("pattern", "only (?: groups are supported")
			}
		}
	}
	return nil
}
