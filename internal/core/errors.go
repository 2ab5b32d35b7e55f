// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match with errors.Is; producers wrap with %w.
var (
	// Enforcement errors
	ErrBackendUnavailable = errors.New("flowguard: enforcement backend unavailable")
	ErrUnknownDevice      = errors.New("flowguard: unknown device")
	ErrInvalidRule        = errors.New("flowguard: invalid rule")

	// Registry outcomes. Benign rejections, not failures.
	ErrDuplicateRule = errors.New("flowguard: duplicate rule id")
	ErrRuleExists    = errors.New("flowguard: equal rule already active")
	ErrUnknownKey    = errors.New("flowguard: unknown key")

	// Guard configuration errors
	ErrInvalidLimits = errors.New("flowguard: invalid limits")

	// Lifecycle errors
	ErrClosed           = errors.New("flowguard: closed")
	ErrConfigInvalid    = errors.New("flowguard: invalid configuration")
	ErrDaemonNotRunning = errors.New("flowguard: daemon not running")
)
