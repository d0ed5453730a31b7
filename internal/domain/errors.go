package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("conflict: an active notification already exists for this request_id and channel")
	ErrAllDuplicates   = errors.New("conflict: every (request_id, channel) pair is a duplicate")
	ErrUnknownChannel  = errors.New("unknown channel: no provider is registered for it")
	ErrInvalidPayload  = errors.New("invalid request payload")
	ErrBatchEmpty      = errors.New("batch must contain at least one recipient")
	ErrBatchTooLarge   = errors.New("batch exceeds the configured recipients × channels ceiling")
	ErrAlertResolved   = errors.New("alert is already resolved")
	ErrNotRecoverable  = errors.New("notification is not in a recoverable state")
	ErrScheduledInPast = errors.New("scheduled_at must be in the future")
)
