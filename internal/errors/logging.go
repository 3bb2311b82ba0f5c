package errors

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Fields returns the structured context of err for log entries
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs an error with structured context; retryable errors are
// logged at warn level, everything else at error level.
func LogError(entry *logrus.Entry, err error, message string) {
	e := entry.WithError(err).WithFields(Fields(err))
	if IsRetryable(err) {
		e.Warn(message)
		return
	}
	e.Error(message)
}
