package sink

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// transientSQLStates are Postgres error codes worth retrying.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// Classify wraps err as a *resilience.TransientError or *resilience.FatalError.
// Already-classified errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *resilience.TransientError
	var fe *resilience.FatalError
	if errors.As(err, &te) || errors.As(err, &fe) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientSQLStates[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return resilience.NewTransientError(err, pgErr.Code)
		}
		return resilience.NewFatalError(err, pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || resilience.IsTransient(err) {
		return resilience.NewTransientError(err, "")
	}
	return resilience.NewFatalError(err, "")
}
