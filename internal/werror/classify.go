package werror

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes relevant to classification. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	sqlstateLockNotAvailable    = "55P03"
	sqlstateQueryCanceled       = "57014" // statement_timeout
	sqlstateSerializationFail   = "40001"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateConnectionFailure   = "08006"
	sqlstateConnectionDoesNotExist = "08003"
	sqlstateAdminShutdown       = "57P01"
	sqlstateSyntaxErrorClass    = "42" // class prefix 42xxx
	sqlstateInsufficientPriv    = "42501"
	sqlstateUndefinedTable      = "42P01"
	sqlstateUndefinedColumn     = "42703"
	sqlstateUndefinedObject     = "42704"
	sqlstateCheckViolation      = "23514"
	sqlstateNotNullViolation    = "23502"
	sqlstateFKViolation         = "23503"
	sqlstateUniqueViolation     = "23505"
	sqlstateExclusionViolation  = "23P01"
)

// Classify maps an error observed from a database driver call into
// Wesley's closed taxonomy. Unrecognized errors classify as Internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*Error); ok {
		return werr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(StatementTimeout, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return New(ConnectionLost, "context canceled", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return New(ConnectionLost, "connection failed", err)
	}

	return New(Internal, "unclassified error", err)
}

func classifyPgError(pgErr *pgconn.PgError) *Error {
	switch pgErr.Code {
	case sqlstateLockNotAvailable:
		return New(LockTimeout, pgErr.Message, pgErr)
	case sqlstateQueryCanceled:
		return New(StatementTimeout, pgErr.Message, pgErr)
	case sqlstateSerializationFail:
		return New(SerializationFailure, pgErr.Message, pgErr)
	case sqlstateDeadlockDetected:
		return New(Deadlock, pgErr.Message, pgErr)
	case sqlstateConnectionFailure, sqlstateConnectionDoesNotExist, sqlstateAdminShutdown:
		return New(ConnectionLost, pgErr.Message, pgErr)
	case sqlstateInsufficientPriv:
		return New(PermissionDenied, pgErr.Message, pgErr).WithHint(
			"grant the missing privilege to the migrating role")
	case sqlstateUndefinedTable, sqlstateUndefinedColumn, sqlstateUndefinedObject:
		return New(ObjectMissing, pgErr.Message, pgErr).WithHint(
			"verify the referenced object exists before this operation runs")
	case sqlstateCheckViolation, sqlstateNotNullViolation, sqlstateFKViolation,
		sqlstateUniqueViolation, sqlstateExclusionViolation:
		return New(ConstraintViolation, pgErr.Message, pgErr).WithHint(
			"existing data violates the new constraint; backfill or relax it first")
	}

	if len(pgErr.Code) >= 2 && pgErr.Code[:2] == sqlstateSyntaxErrorClass {
		return New(Syntax, pgErr.Message, pgErr)
	}

	return New(Internal, pgErr.Message, pgErr)
}
