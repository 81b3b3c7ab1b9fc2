// Package backend defines the contract every question store implements.
// The storage router talks only to this interface; concrete stores live in
// the subpackages (docstore, mongostore, pgstore, memstore).
package backend

import (
	"context"

	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
)

// Repository is a question store bound to one collection.
//
// Implementations return backend-native errors; translation into the
// dberr taxonomy happens in the router. FindByID and Update return an error
// wrapping dberr.ErrNotFound (or sql.ErrNoRows / mongo.ErrNoDocuments) when
// the id does not exist.
type Repository interface {
	// Name identifies the store in logs and errors ("primary", "secondary").
	Name() string
	// Capabilities lists the query shapes evaluated natively.
	Capabilities() query.Capability

	Create(ctx context.Context, q *models.Question) error
	FindByID(ctx context.Context, id string) (*models.Question, error)
	Find(ctx context.Context, q query.Query) ([]models.Question, error)
	Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error)
	Delete(ctx context.Context, id string) error

	// InsertMany writes records independently; one bad record does not
	// prevent the others.
	InsertMany(ctx context.Context, qs []models.Question) (BulkResult, error)
	UpdateMany(ctx context.Context, f query.Filter, patch models.QuestionPatch) (int64, error)
	DeleteMany(ctx context.Context, f query.Filter) (int64, error)

	Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error)
	CountDocuments(ctx context.Context, q query.Query) (int64, error)
	// Sample returns up to n uniformly random records matching f.
	Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error)
	// RecordAttempt atomically folds one attempt into the record's statistics.
	RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// BulkFailure describes one record a bulk operation could not write.
type BulkFailure struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// BulkResult reports partial success. Failed may be shorter than
// Requested-Succeeded when a store only reports affected counts.
type BulkResult struct {
	Requested    int           `json:"requested"`
	Succeeded    int           `json:"succeeded"`
	SucceededIDs []string      `json:"succeeded_ids,omitempty"`
	Failed       []BulkFailure `json:"failed,omitempty"`
}

func (r BulkResult) FailedCount() int { return r.Requested - r.Succeeded }

// Merge accumulates a batch result, shifting failure indexes by offset.
func (r *BulkResult) Merge(batch BulkResult, offset int) {
	r.Requested += batch.Requested
	r.Succeeded += batch.Succeeded
	r.SucceededIDs = append(r.SucceededIDs, batch.SucceededIDs...)
	for _, f := range batch.Failed {
		f.Index += offset
		r.Failed = append(r.Failed, f)
	}
}
