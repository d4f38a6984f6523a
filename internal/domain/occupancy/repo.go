package occupancy

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores admissions and the assignment ledger. Methods join the
// transaction carried by ctx when there is one.
type Repository interface {
	CreateAdmission(ctx context.Context, a *Admission) error
	GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error)
	// GetAdmissionForUpdate holds a row lock until the transaction ends.
	GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error)
	ListAdmissions(ctx context.Context, status AdmissionStatus, limit, offset int) ([]*Admission, int, error)
	UpdateAdmission(ctx context.Context, a *Admission) error

	// CreateAssignment fails with ErrAlreadyAssigned or ErrBedUnavailable
	// when the admission or the bed already has a current assignment.
	CreateAssignment(ctx context.Context, a *BedAssignment) error
	// CloseAssignment records the release fields of a current assignment.
	// It fails with ErrNoCurrentAssignment if the row is already closed.
	CloseAssignment(ctx context.Context, a *BedAssignment) error
	CurrentAssignment(ctx context.Context, admissionID uuid.UUID) (*BedAssignment, error)
	CurrentAssignmentForBed(ctx context.Context, bedID uuid.UUID) (*BedAssignment, error)
	ListAssignments(ctx context.Context, admissionID uuid.UUID) ([]*BedAssignment, error)
}
