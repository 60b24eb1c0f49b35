package dispatch

import "errors"

var (
	ErrProtocol        = errors.New("worker protocol error")
	ErrDeadline        = errors.New("worker did not answer before the deadline")
	ErrCanceled        = errors.New("call canceled")
	ErrClosed          = errors.New("dispatcher closed")
	ErrTooManyInFlight = errors.New("too many requests in flight")
	ErrInvalidRequest  = errors.New("invalid worker request")
	ErrPending         = errors.New("call not settled")
)
