package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatrelay/internal/retry"
)

// Retrier re-runs storage operations that failed with a transient fault.
// Permanent failures (validation, not-found, constraint violations) are
// returned immediately. Callers bound total wall-clock time with the context.
type Retrier struct {
	policy      retry.Policy
	maxAttempts int
	log         *log.Logger
}

func NewRetrier(policy retry.Policy, maxAttempts int, logger *log.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Retrier{
		policy:      policy,
		maxAttempts: maxAttempts,
		log:         logger,
	}
}

func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !IsTransient(err) {
			return err
		}

		if attempt >= r.maxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt, err)
		}

		delay := r.policy.Backoff(attempt + 1)
		r.log.Printf("%s failed with transient error (attempt %d/%d), retrying in %s: %v",
			op, attempt, r.maxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// transientPgCodes are error codes worth retrying: serialization and deadlock
// failures, connection exhaustion and statement cancellation.
var transientPgCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"53300": {}, // too_many_connections
	"57014": {}, // query_canceled
}

// IsTransient reports whether the error is a storage fault that may succeed
// on retry: a network timeout, a broken connection, or a retryable Postgres
// error code.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// connection exception class
		if pqErr.Code.Class() == "08" {
			return true
		}
		if _, ok := transientPgCodes[string(pqErr.Code)]; ok {
			return true
		}
	}

	return false
}
