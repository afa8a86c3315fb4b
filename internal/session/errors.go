package session

import "errors"

// ErrCanceled is returned when the user aborts a geometry request.
// Callers treat it as a normal terminal state, not a failure.
var ErrCanceled = errors.New("operation canceled")

// ErrSchemaViolation is returned when a feature does not fit its layer or template
var ErrSchemaViolation = errors.New("schema violation")

// ErrNotFound is returned when an update or delete target is unknown to the store
var ErrNotFound = errors.New("feature not found")

// ErrSyncFailed is returned when local edits succeeded but the remote push failed
var ErrSyncFailed = errors.New("sync failed")

// ErrSessionBusy is returned when a mutating operation starts while another is running
var ErrSessionBusy = errors.New("session busy")

// ErrUnknownStore is returned for a store id the session was not built with
var ErrUnknownStore = errors.New("unknown store")

// ErrInvalidConfig is returned for configuration errors
var ErrInvalidConfig = errors.New("invalid configuration")
