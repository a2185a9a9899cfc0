package balloon

import (
	"errors"
	"fmt"
)

// ErrCapacityExhausted indicates the controller cannot move memory in the
// wanted direction. It is informational: the next snapshot is evaluated
// normally.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// LimitReason names the bound that stopped an adjustment.
type LimitReason string

const (
	ReasonAtCeiling      LimitReason = "at_ceiling"
	ReasonSlotsExhausted LimitReason = "slots_exhausted"
	ReasonTooSmall       LimitReason = "increase_too_small"
	ReasonAtFloor        LimitReason = "at_floor"
)

// CapacityError reports which bound stopped an adjustment.
type CapacityError struct {
	Reason LimitReason
	Detail string
}

func (e *CapacityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("capacity exhausted: %s", e.Reason)
	}
	return fmt.Sprintf("capacity exhausted: %s (%s)", e.Reason, e.Detail)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExhausted
}
