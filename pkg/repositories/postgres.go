// Package repositories provides PostgreSQL data access for the router.
//
// Every repository runs its statements through database.DB.Conn so that calls
// made inside database.DB.WithTx join the caller's transaction.
package repositories

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is SQLSTATE 23503.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// millis converts a duration for use with `$n::float8 * interval '1 millisecond'`.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// emptyIfNil keeps JSONB columns non-null.
func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
