package occupancy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/domain/bed"
)

var (
	ErrAlreadyAssigned     = errors.New("admission already has a current bed")
	ErrNoCurrentAssignment = errors.New("admission has no current bed")
	ErrBedUnavailable      = errors.New("bed is not available")
	ErrSameBedTransfer     = errors.New("admission is already in this bed")
	ErrAdmissionNotFound   = errors.New("admission not found")
	ErrAdmissionDischarged = errors.New("admission is discharged")
)

// BedUnavailableError reports the status that made a bed unassignable.
type BedUnavailableError struct {
	BedID  uuid.UUID
	Status bed.Status
}

func (e *BedUnavailableError) Error() string {
	return fmt.Sprintf("bed is not available (now %s)", e.Status)
}

func (e *BedUnavailableError) Is(target error) bool {
	return target == ErrBedUnavailable
}

// Transfer steps.
const (
	StepValidate       = "validate"
	StepReleaseCurrent = "release_current"
	StepAssignNew      = "assign_new"
	StepCommit         = "commit"
)

// TransferError names the transfer step that failed. Nothing the transfer
// wrote survives it.
type TransferError struct {
	Step string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Step, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// unavailable converts a rejected assign into BedUnavailableError and
// passes every other error through.
func unavailable(bedID uuid.UUID, err error) error {
	var ite *bed.InvalidTransitionError
	if errors.As(err, &ite) && ite.Event == bed.EventAssign {
		return &BedUnavailableError{BedID: bedID, Status: ite.Current}
	}
	return err
}
