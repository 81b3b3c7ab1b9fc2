// Package storage routes question operations across the primary document
// store and the secondary relational store.
//
// Routing is decided up front from the query shape: each backend declares
// the shapes it evaluates natively and a query goes to the preferred
// backend that can answer it. Only availability failures (retries
// exhausted, timeouts) re-route a call to the other backend; validation,
// conflict and other fatal errors surface unchanged.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qbank-platform/backend/internal/backend"
	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
	"github.com/qbank-platform/backend/internal/retry"
)

const DefaultBatchSize = 500

var errAggregateNeedsSecondary = fmt.Errorf("aggregation requires secondary backend: %w", dberr.ErrUnsupportedQuery)

type Options struct {
	Collection string
	BatchSize  int
}

type Router struct {
	collection string
	primary    backend.Repository
	secondary  backend.Repository
	exec       *retry.Executor
	log        logrus.FieldLogger
	batchSize  int

	primaryPreferred atomic.Bool
}

// NewRouter wires the backends. Either may be nil; with both nil every
// call fails with dberr.ErrNoBackend.
func NewRouter(primary, secondary backend.Repository, exec *retry.Executor, log logrus.FieldLogger, opts Options) *Router {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	r := &Router{
		collection: opts.Collection,
		primary:    primary,
		secondary:  secondary,
		exec:       exec,
		log:        log,
		batchSize:  opts.BatchSize,
	}
	r.primaryPreferred.Store(primary != nil)

	log.WithFields(logrus.Fields{
		"collection":        opts.Collection,
		"primary":           describe(primary),
		"secondary":         describe(secondary),
		"primary_preferred": primary != nil,
		"batch_size":        opts.BatchSize,
	}).Info("[router] storage router configured")
	return r
}

func describe(repo backend.Repository) string {
	if repo == nil {
		return "none"
	}
	return fmt.Sprintf("%s(%s)", repo.Name(), repo.Capabilities())
}

func (r *Router) Collection() string { return r.collection }

// candidates lists the backends able to evaluate need, preferred first.
func (r *Router) candidates(need query.Capability) ([]backend.Repository, error) {
	if r.primary == nil && r.secondary == nil {
		return nil, dberr.ErrNoBackend
	}
	order := []backend.Repository{r.primary, r.secondary}
	if !r.primaryPreferred.Load() {
		order[0], order[1] = order[1], order[0]
	}
	out := make([]backend.Repository, 0, 2)
	for _, repo := range order {
		if repo != nil && repo.Capabilities().Has(need) {
			out = append(out, repo)
		}
	}
	if len(out) == 0 {
		return nil, &dberr.ValidationError{
			Field:   "query",
			Message: fmt.Sprintf("no configured backend supports %s", need),
			Err:     dberr.ErrUnsupportedQuery,
		}
	}
	return out, nil
}

// call runs fn on one backend under the retry policy, translating native
// errors into the taxonomy.
func call[T any](ctx context.Context, r *Router, repo backend.Repository, op string, fn func(ctx context.Context, repo backend.Repository) (T, error)) (T, error) {
	rc := retry.Context{Operation: op, Collection: r.collection, Backend: repo.Name()}
	return retry.Do(ctx, r.exec, rc, func(ctx context.Context) (T, error) {
		v, err := fn(ctx, repo)
		return v, dberr.Translate(repo.Name(), op, err)
	})
}

// routed tries each capable backend in preference order, moving on only
// when the current one is unavailable.
func routed[T any](ctx context.Context, r *Router, need query.Capability, op string, fn func(ctx context.Context, repo backend.Repository) (T, error)) (T, error) {
	var zero T
	cands, err := r.candidates(need)
	if err != nil {
		return zero, err
	}
	for i, repo := range cands {
		v, err := call(ctx, r, repo, op, fn)
		if err == nil {
			return v, nil
		}
		if !dberr.IsUnavailable(err) || i == len(cands)-1 || ctx.Err() != nil {
			return zero, err
		}
		r.log.WithFields(logrus.Fields{
			"operation":  op,
			"collection": r.collection,
			"from":       repo.Name(),
			"to":         cands[i+1].Name(),
		}).WithError(err).Warn("[router] backend unavailable, falling back")
	}
	return zero, dberr.ErrNoBackend
}

// ── Single-record operations ────────────────────────────

func (r *Router) Create(ctx context.Context, q *models.Question) error {
	_, err := routed(ctx, r, 0, "create", func(ctx context.Context, repo backend.Repository) (struct{}, error) {
		return struct{}{}, repo.Create(ctx, q)
	})
	return err
}

func (r *Router) FindByID(ctx context.Context, id string) (*models.Question, error) {
	return routed(ctx, r, 0, "findById", func(ctx context.Context, repo backend.Repository) (*models.Question, error) {
		return repo.FindByID(ctx, id)
	})
}

func (r *Router) Find(ctx context.Context, q query.Query) ([]models.Question, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return routed(ctx, r, q.Requires(), "find", func(ctx context.Context, repo backend.Repository) ([]models.Question, error) {
		return repo.Find(ctx, q)
	})
}

func (r *Router) Update(ctx context.Context, id string, patch models.QuestionPatch) (*models.Question, error) {
	return routed(ctx, r, 0, "update", func(ctx context.Context, repo backend.Repository) (*models.Question, error) {
		return repo.Update(ctx, id, patch)
	})
}

// Delete removes the record outright. Routine deletion through the
// service is a soft delete via Update.
func (r *Router) Delete(ctx context.Context, id string) error {
	_, err := routed(ctx, r, 0, "delete", func(ctx context.Context, repo backend.Repository) (struct{}, error) {
		return struct{}{}, repo.Delete(ctx, id)
	})
	return err
}

func (r *Router) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	return routed(ctx, r, q.Requires(), "count", func(ctx context.Context, repo backend.Repository) (int64, error) {
		return repo.CountDocuments(ctx, q)
	})
}

// Sample draws up to n random records with the backend's native sampler.
func (r *Router) Sample(ctx context.Context, f query.Filter, n int) ([]models.Question, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []models.Question{}, nil
	}
	return routed(ctx, r, query.CapSample, "sample", func(ctx context.Context, repo backend.Repository) ([]models.Question, error) {
		return repo.Sample(ctx, f, n)
	})
}

func (r *Router) RecordAttempt(ctx context.Context, id string, correct bool, timeSpent float64) (*models.Question, error) {
	if timeSpent < 0 {
		return nil, dberr.Validation("time_spent", "must not be negative")
	}
	return routed(ctx, r, 0, "recordAttempt", func(ctx context.Context, repo backend.Repository) (*models.Question, error) {
		return repo.RecordAttempt(ctx, id, correct, timeSpent)
	})
}

// Aggregate always runs on the secondary. There is no fallback: without a
// reachable secondary the call fails.
func (r *Router) Aggregate(ctx context.Context, a query.Aggregation) ([]query.Bucket, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if r.secondary == nil || !r.secondary.Capabilities().Has(query.CapAggregate) {
		if r.primary == nil {
			return nil, dberr.ErrNoBackend
		}
		return nil, &dberr.DatabaseError{Operation: "aggregate", Collection: r.collection, Err: errAggregateNeedsSecondary}
	}
	return call(ctx, r, r.secondary, "aggregate", func(ctx context.Context, repo backend.Repository) ([]query.Bucket, error) {
		return repo.Aggregate(ctx, a)
	})
}

// ── Bulk operations ─────────────────────────────────────

// BulkCreate inserts in batches. A failing batch marks its records failed
// and the remaining batches still run.
func (r *Router) BulkCreate(ctx context.Context, qs []models.Question) (backend.BulkResult, error) {
	var res backend.BulkResult
	for start := 0; start < len(qs); start += r.batchSize {
		batch := qs[start:min(start+r.batchSize, len(qs))]
		br, err := routed(ctx, r, 0, "bulkCreate", func(ctx context.Context, repo backend.Repository) (backend.BulkResult, error) {
			return repo.InsertMany(ctx, batch)
		})
		if err != nil {
			if fatalForBulk(ctx, err) {
				return res, err
			}
			r.logBatchFailure("bulkCreate", start, len(batch), err)
			ids := make([]string, len(batch))
			for i, q := range batch {
				ids[i] = q.ID
			}
			br = failedBatch(ids, err)
		}
		br.Requested = len(batch)
		res.Merge(br, start)
	}
	return res, nil
}

// BulkUpdate applies one patch to the given ids, batch by batch.
func (r *Router) BulkUpdate(ctx context.Context, ids []string, patch models.QuestionPatch) (backend.BulkResult, error) {
	if patch.IsEmpty() {
		return backend.BulkResult{}, dberr.Validation("patch", "no fields to update")
	}
	return r.bulkByID(ctx, "bulkUpdate", ids, func(ctx context.Context, repo backend.Repository, f query.Filter) (int64, error) {
		return repo.UpdateMany(ctx, f, patch)
	})
}

// BulkDelete removes the given ids outright, batch by batch.
func (r *Router) BulkDelete(ctx context.Context, ids []string) (backend.BulkResult, error) {
	return r.bulkByID(ctx, "bulkDelete", ids, func(ctx context.Context, repo backend.Repository, f query.Filter) (int64, error) {
		return repo.DeleteMany(ctx, f)
	})
}

func (r *Router) bulkByID(ctx context.Context, op string, ids []string, fn func(ctx context.Context, repo backend.Repository, f query.Filter) (int64, error)) (backend.BulkResult, error) {
	var res backend.BulkResult
	for start := 0; start < len(ids); start += r.batchSize {
		batch := ids[start:min(start+r.batchSize, len(ids))]
		f := query.Filter{IDs: batch, IncludeInactive: true}
		n, err := routed(ctx, r, 0, op, func(ctx context.Context, repo backend.Repository) (int64, error) {
			return fn(ctx, repo, f)
		})
		var br backend.BulkResult
		if err != nil {
			if fatalForBulk(ctx, err) {
				return res, err
			}
			r.logBatchFailure(op, start, len(batch), err)
			br = failedBatch(batch, err)
		} else {
			br = backend.BulkResult{Succeeded: int(min(n, int64(len(batch))))}
		}
		br.Requested = len(batch)
		res.Merge(br, start)
	}
	return res, nil
}

// fatalForBulk reports errors that would fail every remaining batch too.
func fatalForBulk(ctx context.Context, err error) bool {
	return errors.Is(err, dberr.ErrNoBackend) || ctx.Err() != nil
}

func failedBatch(ids []string, err error) backend.BulkResult {
	br := backend.BulkResult{Requested: len(ids)}
	for i, id := range ids {
		br.Failed = append(br.Failed, backend.BulkFailure{Index: i, ID: id, Reason: err.Error()})
	}
	return br
}

func (r *Router) logBatchFailure(op string, offset, size int, err error) {
	r.log.WithFields(logrus.Fields{
		"operation":    op,
		"collection":   r.collection,
		"batch_offset": offset,
		"batch_size":   size,
	}).WithError(err).Warn("[router] batch failed, continuing with next batch")
}

// ── Health ──────────────────────────────────────────────

type Health struct {
	PrimaryUp          bool `json:"primary_up"`
	SecondaryUp        bool `json:"secondary_up"`
	PrimaryIsPreferred bool `json:"primary_is_preferred"`
}

// HealthCheck pings both backends concurrently. One failing probe never
// affects the other.
func (r *Router) HealthCheck(ctx context.Context) Health {
	h := Health{PrimaryIsPreferred: r.primaryPreferred.Load()}

	var g errgroup.Group
	g.Go(func() error {
		h.PrimaryUp = r.ping(ctx, r.primary)
		return nil
	})
	g.Go(func() error {
		h.SecondaryUp = r.ping(ctx, r.secondary)
		return nil
	})
	_ = g.Wait()
	return h
}

func (r *Router) ping(ctx context.Context, repo backend.Repository) bool {
	if repo == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.exec.Policy().Timeout)
	defer cancel()
	if err := repo.Ping(ctx); err != nil {
		r.log.WithField("backend", repo.Name()).WithError(err).Warn("[router] health probe failed")
		return false
	}
	return true
}
