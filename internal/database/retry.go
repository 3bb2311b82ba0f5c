package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"linkup/internal/constants"
	"linkup/internal/retry"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultDatabaseRetryBackoffMs) * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// withRetry runs a write, retrying only on lock contention and I/O errors
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	err := dbBackoff.RetryIf(ctx, operation, isRetryableDBError)
	if err != nil {
		return fmt.Errorf("%s failed: %w", operationName, err)
	}
	return nil
}

func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}
