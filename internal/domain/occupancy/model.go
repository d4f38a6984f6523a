package occupancy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AdmissionStatus string

const (
	AdmissionActive           AdmissionStatus = "active"
	AdmissionPendingDischarge AdmissionStatus = "pending_discharge"
	AdmissionDischarged       AdmissionStatus = "discharged"
)

var validAdmissionStatuses = map[AdmissionStatus]bool{
	AdmissionActive: true, AdmissionPendingDischarge: true, AdmissionDischarged: true,
}

var validAdmissionTypes = map[string]bool{
	"emergency": true,
	"elective":  true,
	"transfer":  true,
	"maternity": true,
	"day_care":  true,
}

var validDischargeTypes = map[string]bool{
	"routine":        true,
	"transfer":       true,
	"against_advice": true,
	"deceased":       true,
	"other":          true,
}

// Release kinds recorded on closed assignments.
const (
	ReleaseKindRelease   = "release"
	ReleaseKindDischarge = "discharge"
	ReleaseKindTransfer  = "transfer"
)

// Admission maps to the admission table. CurrentAssignment is filled on
// reads and never stored.
type Admission struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	AdmissionNumber       string          `db:"admission_number" json:"admission_number"`
	PatientID             string          `db:"patient_id" json:"patient_id"`
	PatientName           string          `db:"patient_name" json:"patient_name"`
	AdmissionType         string          `db:"admission_type" json:"admission_type"`
	AdmissionSource       *string         `db:"admission_source" json:"admission_source,omitempty"`
	Status                AdmissionStatus `db:"status" json:"status"`
	AdmissionDate         time.Time       `db:"admission_date" json:"admission_date"`
	ExpectedDischargeDate *time.Time      `db:"expected_discharge_date" json:"expected_discharge_date,omitempty"`
	DischargeType         *string         `db:"discharge_type" json:"discharge_type,omitempty"`
	DischargeSummary      *string         `db:"discharge_summary" json:"discharge_summary,omitempty"`
	DischargedAt          *time.Time      `db:"discharged_at" json:"discharged_at,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
	CurrentAssignment     *BedAssignment  `db:"-" json:"current_assignment,omitempty"`
}

func (a *Admission) Clone() *Admission {
	if a == nil {
		return nil
	}
	c := *a
	c.AdmissionSource = cloneStr(a.AdmissionSource)
	c.ExpectedDischargeDate = cloneTime(a.ExpectedDischargeDate)
	c.DischargeType = cloneStr(a.DischargeType)
	c.DischargeSummary = cloneStr(a.DischargeSummary)
	c.DischargedAt = cloneTime(a.DischargedAt)
	c.CurrentAssignment = a.CurrentAssignment.Clone()
	return &c
}

// BedAssignment links an admission to a bed for a period. An assignment
// is current while ReleasedAt is nil; once closed it is never reopened.
type BedAssignment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	AdmissionID    uuid.UUID  `db:"admission_id" json:"admission_id"`
	BedID          uuid.UUID  `db:"bed_id" json:"bed_id"`
	BedNumber      string     `db:"bed_number" json:"bed_number,omitempty"`
	RoomNumber     string     `db:"room_number" json:"room_number,omitempty"`
	AssignedAt     time.Time  `db:"assigned_at" json:"assigned_at"`
	ReleasedAt     *time.Time `db:"released_at" json:"released_at,omitempty"`
	TransferReason *string    `db:"transfer_reason" json:"transfer_reason,omitempty"`
	ReleaseReason  *string    `db:"release_reason" json:"release_reason,omitempty"`
	ReleaseKind    *string    `db:"release_kind" json:"release_kind,omitempty"`
	AssignedBy     *string    `db:"assigned_by" json:"assigned_by,omitempty"`
	ReleasedBy     *string    `db:"released_by" json:"released_by,omitempty"`
}

func (a *BedAssignment) IsCurrent() bool { return a.ReleasedAt == nil }

func (a *BedAssignment) Clone() *BedAssignment {
	if a == nil {
		return nil
	}
	c := *a
	c.ReleasedAt = cloneTime(a.ReleasedAt)
	c.TransferReason = cloneStr(a.TransferReason)
	c.ReleaseReason = cloneStr(a.ReleaseReason)
	c.ReleaseKind = cloneStr(a.ReleaseKind)
	c.AssignedBy = cloneStr(a.AssignedBy)
	c.ReleasedBy = cloneStr(a.ReleasedBy)
	return &c
}

func (a BedAssignment) MarshalJSON() ([]byte, error) {
	type alias BedAssignment
	return json.Marshal(struct {
		alias
		IsCurrent bool `json:"is_current"`
	}{alias(a), a.ReleasedAt == nil})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

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
