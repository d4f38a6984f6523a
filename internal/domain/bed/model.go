package bed

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a bed.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusOccupied    Status = "occupied"
	StatusReserved    Status = "reserved"
	StatusCleaning    Status = "cleaning"
	StatusMaintenance Status = "maintenance"
)

var allStatuses = []Status{StatusAvailable, StatusOccupied, StatusReserved, StatusCleaning, StatusMaintenance}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Type is the physical kind of bed.
type Type string

const (
	TypeStandard  Type = "standard"
	TypeElectric  Type = "electric"
	TypeICU       Type = "icu"
	TypePediatric Type = "pediatric"
	TypeBariatric Type = "bariatric"
	TypeIsolation Type = "isolation"
)

var validBedTypes = map[Type]bool{
	TypeStandard: true, TypeElectric: true, TypeICU: true,
	TypePediatric: true, TypeBariatric: true, TypeIsolation: true,
}

type RoomType string

const (
	RoomWard        RoomType = "ward"
	RoomPrivate     RoomType = "private"
	RoomSemiPrivate RoomType = "semi_private"
	RoomICU         RoomType = "icu"
)

var validRoomTypes = map[RoomType]bool{
	RoomWard: true, RoomPrivate: true, RoomSemiPrivate: true, RoomICU: true,
}

// Bed maps to the bed table joined with its room. Version grows by one on
// every committed transition.
type Bed struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	RoomID                uuid.UUID  `db:"room_id" json:"room_id"`
	RoomNumber            string     `db:"room_number" json:"room_number"`
	FloorNumber           int        `db:"floor_number" json:"floor_number"`
	BedNumber             string     `db:"bed_number" json:"bed_number"`
	BedType               Type       `db:"bed_type" json:"bed_type"`
	Status                Status     `db:"status" json:"status"`
	LastCleanedAt         *time.Time `db:"last_cleaned_at" json:"last_cleaned_at,omitempty"`
	MaintenanceReason     *string    `db:"maintenance_reason" json:"maintenance_reason,omitempty"`
	MaintenanceReportedAt *time.Time `db:"maintenance_reported_at" json:"maintenance_reported_at,omitempty"`
	MaintenanceReportedBy *string    `db:"maintenance_reported_by" json:"maintenance_reported_by,omitempty"`
	ReservedReason        *string    `db:"reserved_reason" json:"reserved_reason,omitempty"`
	ReservedBy            *string    `db:"reserved_by" json:"reserved_by,omitempty"`
	ReservedAt            *time.Time `db:"reserved_at" json:"reserved_at,omitempty"`
	Version               int64      `db:"version" json:"version"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy.
func (b *Bed) Clone() *Bed {
	if b == nil {
		return nil
	}
	c := *b
	c.LastCleanedAt = cloneTime(b.LastCleanedAt)
	c.MaintenanceReason = cloneStr(b.MaintenanceReason)
	c.MaintenanceReportedAt = cloneTime(b.MaintenanceReportedAt)
	c.MaintenanceReportedBy = cloneStr(b.MaintenanceReportedBy)
	c.ReservedReason = cloneStr(b.ReservedReason)
	c.ReservedBy = cloneStr(b.ReservedBy)
	c.ReservedAt = cloneTime(b.ReservedAt)
	return &c
}

// Room maps to the room table. The counters and Version are derived from
// the room's beds; Version is the sum of their versions.
type Room struct {
	ID            uuid.UUID `db:"id" json:"id"`
	RoomNumber    string    `db:"room_number" json:"room_number"`
	RoomType      RoomType  `db:"room_type" json:"room_type"`
	FloorNumber   int       `db:"floor_number" json:"floor_number"`
	TotalBeds     int       `db:"total_beds" json:"total_beds"`
	AvailableBeds int       `db:"available_beds" json:"available_beds"`
	OccupiedBeds  int       `db:"occupied_beds" json:"occupied_beds"`
	Version       int64     `db:"version" json:"version"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Tally recomputes the derived fields from beds.
func (r *Room) Tally(beds []*Bed) {
	r.TotalBeds, r.AvailableBeds, r.OccupiedBeds, r.Version = 0, 0, 0, 0
	for _, b := range beds {
		r.TotalBeds++
		r.Version += b.Version
		switch b.Status {
		case StatusAvailable:
			r.AvailableBeds++
		case StatusOccupied:
			r.OccupiedBeds++
		}
	}
}

// Floor is a derived summary of every bed on one floor.
type Floor struct {
	FloorNumber     int   `db:"floor_number" json:"floor_number"`
	TotalBeds       int   `db:"total_beds" json:"total_beds"`
	AvailableBeds   int   `db:"available_beds" json:"available_beds"`
	OccupiedBeds    int   `db:"occupied_beds" json:"occupied_beds"`
	ReservedBeds    int   `db:"reserved_beds" json:"reserved_beds"`
	CleaningBeds    int   `db:"cleaning_beds" json:"cleaning_beds"`
	MaintenanceBeds int   `db:"maintenance_beds" json:"maintenance_beds"`
	Version         int64 `db:"version" json:"version"`
}

// OccupancyRate is occupied over total, 0 for an empty floor.
func (f *Floor) OccupancyRate() float64 {
	if f.TotalBeds == 0 {
		return 0
	}
	return float64(f.OccupiedBeds) / float64(f.TotalBeds)
}

// TallyFloor summarizes the beds of one floor.
func TallyFloor(floor int, beds []*Bed) *Floor {
	f := &Floor{FloorNumber: floor}
	for _, b := range beds {
		f.TotalBeds++
		f.Version += b.Version
		switch b.Status {
		case StatusAvailable:
			f.AvailableBeds++
		case StatusOccupied:
			f.OccupiedBeds++
		case StatusReserved:
			f.ReservedBeds++
		case StatusCleaning:
			f.CleaningBeds++
		case StatusMaintenance:
			f.MaintenanceBeds++
		}
	}
	return f
}

// StatusChange is the append-only audit row written for every committed
// transition.
type StatusChange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BedID      uuid.UUID `db:"bed_id" json:"bed_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Event      Event     `db:"event" json:"event"`
	Actor      string    `db:"actor" json:"actor,omitempty"`
	Reason     *string   `db:"reason" json:"reason,omitempty"`
	Version    int64     `db:"version" json:"version"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// Attribution says who drove a transition, when, and optionally why. It is
// always supplied by the caller.
type Attribution struct {
	Actor  string
	At     time.Time
	Reason string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
