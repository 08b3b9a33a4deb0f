package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrStaleData          = errors.New("stale market data")
	ErrInvalidBook        = errors.New("invalid orderbook")
	ErrSymbolMismatch     = errors.New("symbol mismatch")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrderTimeout       = errors.New("order timed out")
	ErrRiskHalt           = errors.New("risk halt")
	ErrUnbalancedExposure = errors.New("unbalanced exposure")
	ErrFeedLost           = errors.New("feed lost")
	ErrEngineClosed       = errors.New("execution engine closed")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock held by another instance")
)
