package dberr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Substrings that identify transient failures when the driver only gives us text.
var retryableMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"etimedout",
	"econnreset",
	"econnrefused",
	"server selection",
	"no such host",
	"getaddrinfo",
	"i/o timeout",
	"network is unreachable",
	"connection closed",
	"too many connections",
	"database is locked",
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		ve *ValidationError
		ce *ConflictError
		xe *ExternalServiceError
		te *TimeoutError
		de *DatabaseError
	)
	switch {
	case errors.As(err, &te):
		return true
	case errors.As(err, &de):
		return de.Retryable
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &xe):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoBackend), errors.Is(err, ErrUnsupportedQuery):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableSQLState(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryableSQLState covers connection exceptions (08), insufficient
// resources (53), operator intervention (57P0x), serialization failures
// and deadlocks.
func retryableSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
		return true
	case code == "40001", code == "40P01":
		return true
	}
	return false
}

// Translate maps backend-native errors onto the taxonomy. Errors it does not
// recognise come back unchanged so the retry executor can classify them.
func Translate(backend, operation string, err error) error {
	if err == nil || IsTyped(err) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}

	if mongo.IsDuplicateKeyError(err) {
		return &ConflictError{Operation: operation, Key: "id", Err: err}
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		// 13 Unauthorized, 18 AuthenticationFailed
		if srvErr.HasErrorCode(13) || srvErr.HasErrorCode(18) {
			return &ExternalServiceError{Service: backend, Message: "access denied", Err: err}
		}
	}

	code := ""
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	if errors.As(err, &pqErr) {
		code = string(pqErr.Code)
	} else if errors.As(err, &pgErr) {
		code = pgErr.Code
	}
	if code != "" {
		switch {
		case code == "23505":
			return &ConflictError{Operation: operation, Key: "id", Err: err}
		case code == "28000", code == "28P01", code == "42501":
			return &ExternalServiceError{Service: backend, Message: "access denied", Err: err}
		case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
			return &ValidationError{Message: err.Error(), Err: err}
		}
		return err
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return &ConflictError{Operation: operation, Key: "id", Err: err}
		}
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return &ValidationError{Message: err.Error(), Err: err}
		case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY:
			return &ExternalServiceError{Service: backend, Message: "access denied", Err: err}
		}
	}
	return err
}
