// Package retry runs storage operations under a per-attempt timeout with
// linear backoff between transient failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qbank-platform/backend/internal/dberr"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultTimeout    = 30 * time.Second
)

// Policy bounds one logical operation. MaxRetries counts total attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	// RetryOnTimeout treats a timed-out attempt as transient. It is off by
	// default, so the first timeout is surfaced immediately instead of
	// being retried while attempts remain.
	RetryOnTimeout bool
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, Timeout: DefaultTimeout}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 1 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Context describes the attempt in flight; it is what each log line carries.
type Context struct {
	Operation   string
	Collection  string
	Backend     string
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
}

func (rc Context) fields() logrus.Fields {
	return logrus.Fields{
		"operation":    rc.Operation,
		"collection":   rc.Collection,
		"backend":      rc.Backend,
		"attempt":      rc.Attempt,
		"max_attempts": rc.MaxAttempts,
		"timeout_ms":   rc.Timeout.Milliseconds(),
	}
}

type Executor struct {
	policy Policy
	log    logrus.FieldLogger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewExecutor(policy Policy, log logrus.FieldLogger) *Executor {
	return &Executor{
		policy: policy.normalized(),
		log:    log,
		tracer: otel.Tracer("github.com/qbank-platform/backend/internal/retry"),
		sleep:  sleepCtx,
	}
}

func (e *Executor) Policy() Policy { return e.policy }

// Run executes op until it succeeds, fails fatally, or exhausts the policy.
// rc.Operation, rc.Collection and rc.Backend identify the call; the attempt
// fields are filled in here.
func (e *Executor) Run(ctx context.Context, rc Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, rc Context, op func(ctx context.Context) (T, error)) (out T, err error) {
	rc.MaxAttempts = e.policy.MaxRetries
	rc.Timeout = e.policy.Timeout

	ctx, span := e.tracer.Start(ctx, "storage."+rc.Operation, trace.WithAttributes(
		attribute.String("db.operation", rc.Operation),
		attribute.String("db.collection", rc.Collection),
		attribute.String("db.backend", rc.Backend),
	))
	defer func() {
		if err != nil {
			span.RecordError(err, trace.WithStackTrace(true))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxRetries; attempt++ {
		rc.Attempt = attempt
		span.SetAttributes(attribute.Int("db.attempts", attempt))

		start := time.Now()
		v, attemptErr := runAttempt(ctx, e, rc, op)
		elapsed := time.Since(start)
		entry := e.log.WithFields(rc.fields()).WithField("elapsed_ms", elapsed.Milliseconds())

		if attemptErr == nil {
			entry.Debug("[storage] attempt succeeded")
			return v, nil
		}
		lastErr = attemptErr

		if ctx.Err() != nil {
			entry.WithError(attemptErr).Warn("[storage] attempt abandoned: caller context done")
			return out, ctx.Err()
		}

		var te *dberr.TimeoutError
		isTimeout := errors.As(attemptErr, &te)
		retryable := dberr.IsRetryable(attemptErr)
		if isTimeout {
			retryable = e.policy.RetryOnTimeout
		}

		if !retryable {
			entry.WithError(attemptErr).Warn("[storage] attempt failed: not retryable")
			if isTimeout || dberr.IsTyped(attemptErr) {
				return out, attemptErr
			}
			return out, &dberr.DatabaseError{
				Operation:  rc.Operation,
				Collection: rc.Collection,
				Backend:    rc.Backend,
				Attempts:   attempt,
				Err:        attemptErr,
			}
		}

		if attempt == e.policy.MaxRetries {
			entry.WithError(attemptErr).Error("[storage] attempt failed: retries exhausted")
			break
		}

		delay := e.policy.BaseDelay * time.Duration(attempt)
		entry.WithError(attemptErr).WithField("retry_in_ms", delay.Milliseconds()).Warn("[storage] attempt failed: retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return out, err
		}
	}

	var te *dberr.TimeoutError
	if errors.As(lastErr, &te) {
		te.Attempts = e.policy.MaxRetries
		return out, te
	}
	return out, &dberr.DatabaseError{
		Operation:  rc.Operation,
		Collection: rc.Collection,
		Backend:    rc.Backend,
		Attempts:   e.policy.MaxRetries,
		Retryable:  true,
		Err:        lastErr,
	}
}

type result[T any] struct {
	v   T
	err error
}

// runAttempt races op against the per-attempt timer. An op that ignores its
// context is abandoned; its goroutine finishes in the background.
func runAttempt[T any](ctx context.Context, e *Executor, rc Context, op func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil && attemptCtx.Err() != nil {
			return zero, e.timeoutError(rc)
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, e.timeoutError(rc)
	}
}

func (e *Executor) timeoutError(rc Context) *dberr.TimeoutError {
	return &dberr.TimeoutError{
		Operation:  rc.Operation,
		Collection: rc.Collection,
		Backend:    rc.Backend,
		Timeout:    e.policy.Timeout,
		Attempts:   rc.Attempt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
