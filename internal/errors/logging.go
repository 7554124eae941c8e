package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with structured error logging
type Logger struct {
	*logrus.Logger
}

// WithError adds the error, its code and its context to the entry.
func (l *Logger) WithError(err error) *logrus.Entry {
	entry := l.Logger.WithError(err)

	appErr, ok := As(err)
	if !ok {
		return entry
	}
	fields := logrus.Fields{
		"error_code": appErr.Code,
		"retryable":  appErr.Retryable,
	}
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return entry.WithFields(fields)
}

func (l *Logger) entry(err error, fields []logrus.Fields) *logrus.Entry {
	entry := l.WithError(err)
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	return entry
}

// LogError logs an error with structured context
func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Error(message)
}

// LogWarn logs a warning with structured context
func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level.
// Precondition failures are expected under concurrent use and only reach debug.
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	switch {
	case IsPrecondition(err):
		l.entry(err, fields).Debug(message)
	case IsRetryable(err):
		l.LogWarn(err, message, fields...)
	default:
		l.LogError(err, message, fields...)
	}
}
