package domain

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid session state")
	ErrTurnLimitExceeded   = errors.New("turn limit exceeded")
	ErrSessionBusy         = errors.New("session busy")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotReady            = errors.New("feedback not ready")
	ErrInvalidInput        = errors.New("invalid input")
)
