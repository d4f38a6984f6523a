package bed

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/websocket"
)

// BedEventData is the payload of every bed-level SyncChannel event.
type BedEventData struct {
	Bed            *Bed   `json:"bed"`
	PreviousStatus Status `json:"previous_status,omitempty"`
	Event          Event  `json:"event,omitempty"`
	Actor          string `json:"actor,omitempty"`
	Reason         string `json:"reason,omitempty"`
	AdmissionID    string `json:"admission_id,omitempty"`
	AssignmentID   string `json:"assignment_id,omitempty"`
}

// Change is one committed bed write. Record is nil for a newly created
// bed.
type Change struct {
	Bed          *Bed
	Record       *StatusChange
	AdmissionID  string
	AssignmentID string
}

func (c Change) data() BedEventData {
	d := BedEventData{
		Bed:          c.Bed,
		AdmissionID:  c.AdmissionID,
		AssignmentID: c.AssignmentID,
	}
	if c.Record != nil {
		d.PreviousStatus = c.Record.FromStatus
		d.Event = c.Record.Event
		d.Actor = c.Record.Actor
		if c.Record.Reason != nil {
			d.Reason = *c.Record.Reason
		}
	}
	return d
}

// Scope places a bed on the SyncChannel.
func (b *Bed) Scope() websocket.Scope {
	return websocket.Scope{FloorNumber: b.FloorNumber, RoomID: b.RoomID.String()}
}

// Notifier turns committed bed writes into SyncChannel events. Callers
// invoke it after commit while still holding the bed locks, which keeps
// per-bed publish order equal to commit order. A nil Notifier publishes
// nothing.
type Notifier struct {
	pub    websocket.Publisher
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewNotifier(pub websocket.Publisher, repo Repository, logger zerolog.Logger, now func() time.Time) *Notifier {
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		pub:    pub,
		repo:   repo,
		logger: logger.With().Str("component", "bed-notifier").Logger(),
		now:    now,
	}
}

// Publish routes one event. Failures are logged; the write it describes
// has already committed and terminals recover through refetch.
func (n *Notifier) Publish(ctx context.Context, eventType string, res websocket.Resource, data interface{}, scopes ...websocket.Scope) {
	if n == nil || n.pub == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, res, n.now(), data, scopes...)
	if err != nil {
		n.logger.Error().Err(err).Str("event", eventType).Msg("build event")
		return
	}
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.logger.Error().Err(err).Str("event", eventType).Str("resource_id", res.ID).Msg("publish event")
	}
}

// BedEvent publishes one bed-scoped event for c.
func (n *Notifier) BedEvent(ctx context.Context, eventType string, c Change) {
	n.Publish(ctx, eventType, bedResource(c.Bed), c.data(), c.Bed.Scope())
}

// Transitioned publishes the event specific to the transition's trigger,
// then StatusChanged.
func (n *Notifier) Transitioned(ctx context.Context, c Change) {
	if c.Record != nil {
		if t := specificEventType(c.Record.Event); t != "" {
			n.BedEvent(ctx, t, c)
		}
	}
	n.StatusChanged(ctx, c)
}

// StatusChanged publishes bed:status_changed for each change, followed by
// fresh summaries of every room and floor they touched.
func (n *Notifier) StatusChanged(ctx context.Context, changes ...Change) {
	if n == nil || n.pub == nil {
		return
	}
	beds := make([]*Bed, 0, len(changes))
	for _, c := range changes {
		n.BedEvent(ctx, websocket.EventBedStatusChanged, c)
		beds = append(beds, c.Bed)
	}
	n.Occupancy(ctx, beds...)
}

// Occupancy publishes room:occupancy_updated for each distinct room of
// beds, then floor:stats_updated for each distinct floor.
func (n *Notifier) Occupancy(ctx context.Context, beds ...*Bed) {
	if n == nil || n.pub == nil || n.repo == nil {
		return
	}

	seenRoom := make(map[string]bool)
	seenFloor := make(map[int]bool)
	var floors []int
	for _, b := range beds {
		if !seenFloor[b.FloorNumber] {
			seenFloor[b.FloorNumber] = true
			floors = append(floors, b.FloorNumber)
		}
		if seenRoom[b.RoomID.String()] {
			continue
		}
		seenRoom[b.RoomID.String()] = true

		room, err := n.repo.GetRoom(ctx, b.RoomID)
		if err != nil {
			n.logger.Error().Err(err).Str("room_id", b.RoomID.String()).Msg("load room summary")
			continue
		}
		n.Publish(ctx, websocket.EventRoomOccupancyUpdated,
			websocket.Resource{Type: "room", ID: room.ID.String(), Version: room.Version},
			room, websocket.Scope{FloorNumber: room.FloorNumber, RoomID: room.ID.String()})
	}

	for _, num := range floors {
		floor, err := n.repo.GetFloor(ctx, num)
		if err != nil {
			n.logger.Error().Err(err).Int("floor", num).Msg("load floor summary")
			continue
		}
		n.Publish(ctx, websocket.EventFloorStatsUpdated,
			websocket.Resource{Type: "floor", ID: strconv.Itoa(num), Version: floor.Version},
			floor, websocket.Scope{FloorNumber: num})
	}
}

func bedResource(b *Bed) websocket.Resource {
	return websocket.Resource{Type: "bed", ID: b.ID.String(), Version: b.Version}
}

func specificEventType(ev Event) string {
	switch ev {
	case EventAssign:
		return websocket.EventBedAssigned
	case EventRelease:
		return websocket.EventBedReleased
	case EventMarkCleaned:
		return websocket.EventBedCleaned
	case EventReportMaintenance, EventResolveMaintenance:
		return websocket.EventBedMaintenance
	}
	return ""
}
