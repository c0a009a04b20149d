package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for slot operations. Callers use errors.Is to map these
// onto API status codes.
var (
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrInvalidAddress    = errors.New("invalid slot address")
	ErrNotFound          = errors.New("slot not found")
	ErrCapacityExhausted = errors.New("engine capacity exhausted")
	ErrLockedSlot        = errors.New("slot is locked")
	ErrQuotaExceeded     = errors.New("agent reservation quota exceeded")
	ErrSlotBusy          = errors.New("slot execution in flight")
	ErrTokenExpired      = errors.New("reservation token expired")
)

func wrapf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
