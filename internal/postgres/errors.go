package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariefcatur/go-order-engine/internal/orders"
)

// SQLSTATE codes treated as transient: the statement can succeed if the
// caller retries the whole unit of work.
var transientCodes = map[string]bool{
	"55P03": true, // lock_not_available (lock_timeout)
	"40P01": true, // deadlock_detected
	"40001": true, // serialization_failure
	"57014": true, // query_canceled (statement_timeout)
	"53300": true, // too_many_connections
}

const uniqueViolation = "23505"

// classify marks connectivity and lock-wait failures with orders.ErrTransient.
// Everything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return orders.Transient(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) {
		return orders.Transient(err)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
