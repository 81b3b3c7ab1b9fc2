package dberr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validation("count", "must be positive"), false},
		{"conflict", &ConflictError{Operation: "create"}, false},
		{"external", &ExternalServiceError{Service: "secondary", Message: "denied"}, false},
		{"not found", ErrNotFound, false},
		{"no backend", ErrNoBackend, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout error", &TimeoutError{Operation: "find", Timeout: time.Second}, true},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "db"}, true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"pgconn serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pgconn syntax", &pgconn.PgError{Code: "42601"}, false},
		{"server selection text", errors.New("server selection error: context deadline exceeded"), true},
		{"etimedout text", errors.New("connect ETIMEDOUT 10.0.0.1:27017"), true},
		{"plain", errors.New("bad filter"), false},
		{"exhausted database error", &DatabaseError{Operation: "find", Retryable: true}, true},
		{"fatal database error", &DatabaseError{Operation: "find"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, Translate("secondary", "find", nil))
	assert.ErrorIs(t, Translate("secondary", "findById", sql.ErrNoRows), ErrNotFound)

	var ce *ConflictError
	assert.ErrorAs(t, Translate("secondary", "create", &pq.Error{Code: "23505"}), &ce)
	assert.ErrorAs(t, Translate("secondary", "create", &pgconn.PgError{Code: "23505"}), &ce)

	var xe *ExternalServiceError
	assert.ErrorAs(t, Translate("secondary", "find", &pq.Error{Code: "28P01"}), &xe)
	assert.Equal(t, "secondary", xe.Service)

	var ve *ValidationError
	assert.ErrorAs(t, Translate("secondary", "update", &pgconn.PgError{Code: "23514"}), &ve)

	plain := errors.New("connection reset by peer")
	assert.Same(t, plain, Translate("primary", "find", plain))

	typed := Validation("count", "bad")
	assert.Same(t, typed, Translate("primary", "find", typed))
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(&TimeoutError{Operation: "find"}))
	assert.True(t, IsUnavailable(fmt.Errorf("router: %w", &DatabaseError{Retryable: true})))
	assert.False(t, IsUnavailable(&DatabaseError{Retryable: false}))
	assert.False(t, IsUnavailable(Validation("x", "y")))
	assert.False(t, IsUnavailable(errors.New("boom")))
}

func TestDatabaseErrorMessage(t *testing.T) {
	err := &DatabaseError{
		Operation:  "find",
		Collection: "questions",
		Backend:    "secondary",
		Attempts:   3,
		Retryable:  true,
		Err:        syscall.ECONNRESET,
	}
	assert.Contains(t, err.Error(), "find on questions (secondary) failed after 3 attempt(s)")
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}
