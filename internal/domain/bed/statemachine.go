package bed

import (
	"github.com/google/uuid"
)

// Event drives a bed from one status to another.
type Event string

const (
	EventReserve            Event = "reserve"
	EventCancelReservation  Event = "cancel_reservation"
	EventAssign             Event = "assign"
	EventRelease            Event = "release"
	EventMarkCleaned        Event = "mark_cleaned"
	EventReportMaintenance  Event = "report_maintenance"
	EventResolveMaintenance Event = "resolve_maintenance"
)

type rule struct {
	from []Status
	to   Status
}

// transitions is the complete lifecycle. Anything not listed is rejected.
var transitions = map[Event]rule{
	EventReserve:            {from: []Status{StatusAvailable}, to: StatusReserved},
	EventCancelReservation:  {from: []Status{StatusReserved}, to: StatusAvailable},
	EventAssign:             {from: []Status{StatusAvailable, StatusReserved}, to: StatusOccupied},
	EventRelease:            {from: []Status{StatusOccupied}, to: StatusCleaning},
	EventMarkCleaned:        {from: []Status{StatusCleaning}, to: StatusAvailable},
	EventReportMaintenance:  {from: []Status{StatusAvailable, StatusCleaning}, to: StatusMaintenance},
	EventResolveMaintenance: {from: []Status{StatusMaintenance}, to: StatusCleaning},
}

var eventOrder = []Event{
	EventReserve, EventCancelReservation, EventAssign, EventRelease,
	EventMarkCleaned, EventReportMaintenance, EventResolveMaintenance,
}

// ledgerEvents may only be applied by the assignment ledger.
var ledgerEvents = map[Event]bool{EventAssign: true, EventRelease: true}

func (e Event) Valid() bool {
	_, ok := transitions[e]
	return ok
}

// Transition returns the status ev leads to from from.
func Transition(from Status, ev Event) (Status, error) {
	r, ok := transitions[ev]
	if !ok {
		return "", &InvalidTransitionError{Current: from, Event: ev}
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", &InvalidTransitionError{Current: from, Event: ev, Target: r.to, Allowed: AllowedFrom(ev)}
}

// AllowedFrom lists the statuses ev is accepted in.
func AllowedFrom(ev Event) []Status {
	r, ok := transitions[ev]
	if !ok {
		return nil
	}
	return append([]Status(nil), r.from...)
}

// AllowedEvents lists the events accepted in status from, in table order.
func AllowedEvents(from Status) []Event {
	var out []Event
	for _, ev := range eventOrder {
		if _, err := Transition(from, ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// EventForTarget finds the event that moves a bed from from to to. Targets
// reachable only through the assignment ledger yield ErrLedgerManaged.
func EventForTarget(from, to Status) (Event, error) {
	for _, ev := range eventOrder {
		next, err := Transition(from, ev)
		if err != nil || next != to {
			continue
		}
		if ledgerEvents[ev] {
			return "", ErrLedgerManaged
		}
		return ev, nil
	}
	if to == StatusOccupied {
		return "", ErrLedgerManaged
	}

	var reachable []Status
	for _, ev := range AllowedEvents(from) {
		if ledgerEvents[ev] {
			continue
		}
		next, _ := Transition(from, ev)
		reachable = append(reachable, next)
	}
	return "", &InvalidTransitionError{Current: from, Target: to, Allowed: reachable}
}

// Apply runs ev against b and returns the audit record. On error b is left
// untouched. Reservation details are kept only while reserved; maintenance
// details are kept from report until resolve.
func Apply(b *Bed, ev Event, attr Attribution) (*StatusChange, error) {
	next, err := Transition(b.Status, ev)
	if err != nil {
		return nil, err
	}
	if ev == EventReportMaintenance && attr.Reason == "" {
		return nil, ErrReasonRequired
	}

	prev := b.Status
	b.Status = next
	b.Version++
	b.UpdatedAt = attr.At

	switch ev {
	case EventReserve:
		b.ReservedReason = strPtr(attr.Reason)
		b.ReservedBy = strPtr(attr.Actor)
		b.ReservedAt = timePtr(attr.At)
	case EventCancelReservation, EventAssign:
		b.ReservedReason, b.ReservedBy, b.ReservedAt = nil, nil, nil
	case EventReportMaintenance:
		b.MaintenanceReason = strPtr(attr.Reason)
		b.MaintenanceReportedBy = strPtr(attr.Actor)
		b.MaintenanceReportedAt = timePtr(attr.At)
	case EventResolveMaintenance:
		b.MaintenanceReason, b.MaintenanceReportedBy, b.MaintenanceReportedAt = nil, nil, nil
	case EventMarkCleaned:
		b.LastCleanedAt = timePtr(attr.At)
		b.MaintenanceReason, b.MaintenanceReportedBy, b.MaintenanceReportedAt = nil, nil, nil
	}

	return &StatusChange{
		ID:         uuid.New(),
		BedID:      b.ID,
		FromStatus: prev,
		ToStatus:   next,
		Event:      ev,
		Actor:      attr.Actor,
		Reason:     strPtr(attr.Reason),
		Version:    b.Version,
		OccurredAt: attr.At,
	}, nil
}
