package entity

import "errors"

// Sentinel errors for the entity package's validation and state machine
// invariants. Callers use errors.Is/errors.As to distinguish kinds.
var (
	ErrInvalidAgentID         = errors.New("entity: invalid agent id")
	ErrInvalidStatusTransition = errors.New("entity: invalid agent status transition")
	ErrInvalidDeviceID        = errors.New("entity: invalid device id")
	ErrPlanSuffixMismatch     = errors.New("entity: completed steps are not a prefix of plan steps")
)
