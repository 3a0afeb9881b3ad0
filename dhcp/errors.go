package dhcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keapin/keapin/types"
)

var (
	// ErrNotFound is returned when no reservation matches the given
	// identifier.
	ErrNotFound = errors.New("reservation not found")

	// ErrSourceUnavailable is returned when the lease database cannot
	// be read at all.
	ErrSourceUnavailable = errors.New("lease source unavailable")
)

// ConflictError is returned when an address is already reserved for a
// different hardware address.
type ConflictError struct {
	IP        types.IP
	HWAddress types.HardwareAddr
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already reserved for %s", e.IP, e.HWAddress)
}

// OutOfRangeError is returned when a manually supplied address lies
// outside the reserved range.
type OutOfRangeError struct {
	IP    types.IP
	Start types.IP
	End   types.IP
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s is outside the reserved range %s-%s", e.IP, e.Start, e.End)
}

// RangeExhaustedError is returned when no free address is left in the
// reserved range.
type RangeExhaustedError struct {
	Start types.IP
	End   types.IP
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("no free address left in reserved range %s-%s", e.Start, e.End)
}

// BoundaryTooLowError is returned when a boundary change would shrink
// the reserved range below the reservations it already holds.
type BoundaryTooLowError struct {
	Boundary     int
	Min          int
	Reservations int
}

func (e *BoundaryTooLowError) Error() string {
	return fmt.Sprintf("cannot lower boundary below %d, %d reservations exist", e.Min, e.Reservations)
}

// BoundaryTooHighError is returned when a boundary change would shrink
// the pool below the active non-reserved clients it must still hold.
type BoundaryTooHighError struct {
	Boundary    int
	Max         int
	ActiveHosts int
}

func (e *BoundaryTooHighError) Error() string {
	return fmt.Sprintf("cannot raise boundary above %d, %d active hosts need pool addresses", e.Max, e.ActiveHosts)
}

// InvalidConfigError is returned when a staged configuration document
// is rejected before it ever touches the live one.
type InvalidConfigError struct {
	Output string
}

func (e *InvalidConfigError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return "configuration rejected by validator"
	}
	return fmt.Sprintf("configuration rejected by validator: %s", out)
}

// ApplyFailedError is returned when a validated configuration could not
// be applied or the daemon did not come back healthy. RestoreFailed
// marks the fatal case where the automatic rollback failed as well.
type ApplyFailedError struct {
	Reason        string
	Output        string
	RestoreFailed bool
}

func (e *ApplyFailedError) Error() string {
	msg := fmt.Sprintf("apply failed: %s", e.Reason)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	if e.RestoreFailed {
		return msg + "; restore failed, operator intervention required"
	}
	return msg + "; previous configuration restored"
}
