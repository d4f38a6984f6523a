package bed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid bed transition")
	ErrBedNotFound       = errors.New("bed not found")
	ErrRoomNotFound      = errors.New("room not found")
	// ErrLedgerManaged rejects direct status updates that only assignment,
	// release and transfer may perform.
	ErrLedgerManaged = errors.New("status is managed by bed assignments")
	// ErrConcurrentUpdate means the bed changed between read and write.
	ErrConcurrentUpdate = errors.New("bed was modified concurrently")
	ErrReasonRequired   = errors.New("reason is required")
	ErrDuplicate        = errors.New("already exists")
)

// InvalidTransitionError describes a rejected event or target status.
// Allowed lists the statuses Event is accepted in or, when Event is empty,
// the statuses reachable from Current.
type InvalidTransitionError struct {
	Current Status
	Event   Event
	Target  Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}

	if e.Event == "" {
		return fmt.Sprintf("cannot move bed from %s to %s (reachable: %s)",
			e.Current, e.Target, strings.Join(allowed, ", "))
	}
	if !e.Event.Valid() {
		return fmt.Sprintf("unknown bed event %q", e.Event)
	}
	return fmt.Sprintf("cannot %s a bed that is %s (allowed from: %s)",
		strings.ReplaceAll(string(e.Event), "_", " "), e.Current, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
