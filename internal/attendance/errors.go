package attendance

import "errors"

// Rejection kinds surfaced to callers. All are per-request conditions, not
// process-fatal; the transport layer maps each to a machine-readable reason.
var (
	ErrSessionMismatch     = errors.New("session does not match proof token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotEnrolled         = errors.New("student not enrolled in course")
	ErrGeofenceViolation   = errors.New("student outside scan geofence")
	ErrConcurrencyConflict = errors.New("concurrent update conflict, retry")
)
