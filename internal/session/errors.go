package session

import "errors"

var (
	// ErrCodeCollision marks a drawn code that is already reserved. The
	// registry retries on it and never returns it to callers.
	ErrCodeCollision = errors.New("session code already reserved")
	// ErrCodeSpaceExhausted is fatal: the configured code space has no free
	// codes left, which is a configuration problem.
	ErrCodeSpaceExhausted = errors.New("session code space exhausted")
	// ErrCaptureFailed stops the session it happened in.
	ErrCaptureFailed = errors.New("screen capture failed")
	// ErrPermissionViolation is logged and dropped, never shown to a user.
	ErrPermissionViolation = errors.New("control event not permitted")
	// ErrUnknownCode is the requester-facing outcome for a code with no
	// directory entry. It is distinct from ErrRejected.
	ErrUnknownCode = errors.New("unknown session code")
	ErrRejected    = errors.New("request rejected by host")
	ErrBusy        = errors.New("host is handling another request")
	// ErrStaleDecision marks a decision for a request the client no longer
	// waits on.
	ErrStaleDecision       = errors.New("stale decision")
	ErrRequestExpired      = errors.New("request expired without a decision")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrPermissionsRequired = errors.New("accepting a request requires a permission set")
	ErrStopped             = errors.New("session stopped")
	// ErrClientGone stops an accepted session whose requester disconnected.
	ErrClientGone = errors.New("client disconnected")
)
