// Package mongostore is the MongoDB document store, an alternative primary.
// Filters translate to bson documents; regex matching and sampling run
// natively, full-text search does not (no text index is assumed).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

const Capabilities = query.CapRegex | query.CapAggregate | query.CapSample

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	name   string
	now    func() time.Time
}

func New(client *mongo.Client, coll *mongo.Collection, name string) *Store {
	return &Store{client: client, coll: coll, name: name, now: time.Now}
}

// Connect dials uri and binds the store to database.collection.
func Connect(ctx context.Context, uri, database, collection, name string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return New(client, client.Database(database).Collection(collection), name), nil
}

var _ backend.Repository = (*Store)(nil)

func (s *Store) Name() string                   { return s.name }
func (s *Store) Capabilities() query.Capability { return Capabilities }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ── bson translation ────────────────────────────────────

// Filter translates f into a find filter.
func Filter(f query.Filter) bson.D {
	f = f.Normalize()
	d := bson.D{}
	if !f.IncludeInactive {
		d = append(d, bson.E{Key: "is_active", Value: true})
	}
	if len(f.Subjects) > 0 {
		d = append(d, bson.E{Key: "subject", Value: bson.D{{Key: "$in", Value: f.Subjects}}})
	}
	if len(f.Chapters) > 0 {
		d = append(d, bson.E{Key: "chapter", Value: bson.D{{Key: "$in", Value: f.Chapters}}})
	}
	if f.Difficulty != "" {
		d = append(d, bson.E{Key: "difficulty", Value: string(f.Difficulty)})
	}
	if len(f.Tags) > 0 {
		d = append(d, bson.E{Key: "tags", Value: bson.D{{Key: "$in", Value: f.Tags}}})
	}
	var id bson.D
	if len(f.IDs) > 0 {
		id = append(id, bson.E{Key: "$in", Value: f.IDs})
	}
	if len(f.ExcludeIDs) > 0 {
		id = append(id, bson.E{Key: "$nin", Value: f.ExcludeIDs})
	}
	if len(id) > 0 {
		d = append(d, bson.E{Key: "_id", Value: id})
	}
	return d
}

func queryFilter(q query.Query) bson.D {
	d := Filter(q.Filter)
	if q.Pattern != "" {
		d = append(d, bson.E{Key: "body", Value: primitive.Regex{Pattern: q.Pattern, Options: "i"}})
	}
	return d
}

func sortDoc(field query.SortField, desc bool) bson.D {
	dir := 1
	if desc {
		dir = -1
	}
	var d bson.D
	switch field {
	case query.SortTotalAttempts:
		d = append(d, bson.E{Key: "statistics.total_attempts", Value: dir})
	case query.SortDifficulty:
		d = append(d, bson.E{Key: "_rank", Value: dir})
	}
	return append(d, bson.E{Key: "created_at", Value: dir}, bson.E{Key: "_id", Value: dir})
}

// difficultyRank orders levels easy < medium < hard, which their names do not.
var difficultyRank = bson.D{{Key: "$switch", Value: bson.D{
	{Key: "branches", Value: bson.A{
		bson.D{{Key: "case", Value: bson.D{{Key: "$eq", Value: bson.A{"$difficulty", "easy"}}}}, {Key: "then", Value: 1}},
		bson.D{{Key: "case", Value: bson.D{{Key: "$eq", Value: bson.A{"$difficulty", "medium"}}}}, {Key: "then", Value: 2}},
	}},
	{Key: "default", Value: 3},
}}}

// findPipeline is used for difficulty ordering, which needs a computed key.
func findPipeline(q query.Query) mongo.Pipeline {
	p := mongo.Pipeline{
		{{Key: "$match", Value: queryFilter(q)}},
		{{Key: "$addFields", Value: bson.D{{Key: "_rank", Value: difficultyRank}}}},
		{{Key: "$sort", Value: sortDoc(q.Sort, q.Desc)}},
	}
	if q.Skip > 0 {
		p = append(p, bson.D{{Key: "$skip", Value: int64(q.Skip)}})
	}
	if q.Limit > 0 {
		p = append(p, bson.D{{Key: "$limit", Value: int64(q.Limit)}})
	}
	return append(p, bson.D{{Key: "$project", Value: bson.D{{Key: "_rank", Value: 0}}}})
}

// setDoc renders a patch as $set fields.
func setDoc(p models.QuestionPatch, now time.Time) bson.D {
	d := bson.D{}
	if p.Subject != nil {
		d = append(d, bson.E{Key: "subject", Value: *p.Subject})
	}
	if p.Chapter != nil {
		d = append(d, bson.E{Key: "chapter", Value: *p.Chapter})
	}
	if p.Difficulty != nil {
		d = append(d, bson.E{Key: "difficulty", Value: string(*p.Difficulty)})
	}
	if p.Body != nil {
		d = append(d, bson.E{Key: "body", Value: *p.Body})
	}
	if p.Options != nil {
		d = append(d, bson.E{Key: "options", Value: p.Options})
	}
	if p.Tags != nil {
		d = append(d, bson.E{Key: "tags", Value: p.Tags})
	}
	if p.ExamYear != nil {
		d = append(d, bson.E{Key: "exam_year", Value: *p.ExamYear})
	}
	if p.IsActive != nil {
		d = append(d, bson.E{Key: "is_active", Value: *p.IsActive})
	}
	return append(d, bson.E{Key: "updated_at", Value: now})
}

// attemptUpdate folds one attempt server-side. Every expression in a
// single $set stage reads the document as it was before the stage.
func attemptUpdate(correct bool, timeSpent float64, now time.Time) mongo.Pipeline {
	inc := 0
	if correct {
		inc = 1
	}
	total := "$statistics.total_attempts"
	return mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "statistics.average_time_spent", Value: bson.D{{Key: "$divide", Value: bson.A{
			bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$multiply", Value: bson.A{"$statistics.average_time_spent", total}}},
				timeSpent,
			}}},
			bson.D{{Key: "$add", Value: bson.A{total, 1}}},
		}}}},
		{Key: "statistics.total_attempts", Value: bson.D{{Key: "$add", Value: bson.A{total, 1}}}},
		{Key: "statistics.correct_attempts", Value: bson.D{{Key: "$add", Value: bson.A{"$statistics.correct_attempts", inc}}}},
		{Key: "updated_at", Value: now},
	}}}}
}

// groupPipeline counts matches per group. Grouping by tag unwinds the
// tag array first; records without an exam year are left out of year groups.
func groupPipeline(a query.Aggregation) mongo.Pipeline {
	match := Filter(a.Match)
	id := bson.D{}
	unwind := false
	for _, g := range a.GroupBy {
		switch g {
		case query.GroupTag:
			unwind = true
			id = append(id, bson.E{Key: string(g), Value: "$tags"})
		case query.GroupExamYear:
			match = append(match, bson.E{Key: "exam_year", Value: bson.D{{Key: "$ne", Value: nil}}})
			id = append(id, bson.E{Key: string(g), Value: bson.D{{Key: "$toString", Value: "$exam_year"}}})
		default:
			id = append(id, bson.E{Key: string(g), Value: "$" + string(g)})
		}
	}
	p := mongo.Pipeline{{{Key: "$match", Value: match}}}
	if unwind {
		p = append(p, bson.D{{Key: "$unwind", Value: "$tags"}})
	}
	return append(p,
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: id},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)
}

// ── Operations ──────────────────────────────────────────

func (s *Store) Create(ctx context.Context, q *models.Question) error {
	s.stamp(q)
	if _, err := s.coll.InsertOne(ctx, q); err != nil {
		return fmt.Errorf("create %s: %w", q.ID, err)
	}
	return nil
}

func (s *Store) stamp(q *models.Question) {
	now := s.now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	if q.Tags == nil {
		q.Tags = []string{}
	}
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("find %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	return &q, nil
}

func (s *Store) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	if q.Text != "" {
		return nil, fmt.Errorf("mongostore: %s: %w", q.Requires(), dberr.ErrUnsupportedQuery)
	}

	var (
		cur *mongo.Cursor
		err error
	)
	if q.Sort == query.SortDifficulty {
		cur, err = s.coll.Aggregate(ctx, findPipeline(q))
	} else {
		opts := options.Find().SetSort(sortDoc(q.Sort, q.Desc))
		if q.Skip > 0 {
			opts.SetSkip(int64(q.Skip))
		}
		if q.Limit > 0 {
			opts.SetLimit(int64(q.Limit))
		}
		cur, err = s.coll.Find(ctx, queryFilter(q), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return decodeAll(ctx, cur)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]models.Question, error) {
	out := make([]models.Question, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func (s *Store) CountDocuments(ctx context.Context, q query.Query) (int64, error) {
	if q.Text != "" {
		return 0, fmt.Errorf("mongostore: %s: %w", q.Requires(), dberr.ErrUnsupportedQuery)
	}
	n, err := s.coll.CountDocuments(ctx, queryFilter(q))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error) {
	if n <= 0 {
		return []models.Question{}, nil
	}
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: Filter(f)}},
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: n}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	return decodeAll(ctx, cur)
}

func (s *Store) Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error) {
	cur, err := s.coll.Aggregate(ctx, groupPipeline(a))
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	var rows []struct {
		ID    map[string]any `bson:"_id"`
		Count int64          `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("aggregate: decode: %w", err)
	}
	out := make([]query.Bucket, 0, len(rows))
	for _, r := range rows {
		key := make(map[query.GroupField]string, len(a.GroupBy))
		for _, g := range a.GroupBy {
			if v, ok := r.ID[string(g)]; ok && v != nil {
				key[g] = fmt.Sprint(v)
			}
		}
		out = append(out, query.Bucket{Key: key, Count: r.Count})
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	var q models.Question
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: setDoc(patch, s.now().UTC())}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return &q, nil
}

func (s *Store) RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error) {
	var q models.Question
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		attemptUpdate(correct, timeSpent, s.now().UTC()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("record attempt %s: %w", id, dberr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return &q, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete %s: %w", id, dberr.ErrNotFound)
	}
	return nil
}

// InsertMany writes unordered, so one rejected document does not stop the
// rest. Per-document write errors become failures; anything else is an
// error for the whole batch.
func (s *Store) InsertMany(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	res := backend.BulkResult{Requested: len(qs)}
	if len(qs) == 0 {
		return res, nil
	}
	docs := make([]any, len(qs))
	for i := range qs {
		q := qs[i]
		s.stamp(&q)
		docs[i] = q
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	failed := map[int]string{}
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
			return backend.BulkResult{}, fmt.Errorf("insert many: %w", err)
		}
		for _, we := range bwe.WriteErrors {
			failed[we.Index] = we.Message
		}
	}

	for i, q := range qs {
		if reason, bad := failed[i]; bad {
			res.Failed = append(res.Failed, backend.BulkFailure{Index: i, ID: q.ID, Reason: reason})
			continue
		}
		res.Succeeded++
		res.SucceededIDs = append(res.SucceededIDs, q.ID)
	}
	return res, nil
}

func (s *Store) UpdateMany(ctx context.Context, f query.Filter, patch models.QuestionPatch) (int64, error) {
	res, err := s.coll.UpdateMany(ctx, Filter(f), bson.D{{Key: "$set", Value: setDoc(patch, s.now().UTC())}})
	if err != nil {
		return 0, fmt.Errorf("update many: %w", err)
	}
	return res.MatchedCount, nil
}

func (s *Store) DeleteMany(ctx context.Context, f query.Filter) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, Filter(f))
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	return res.DeletedCount, nil
}
