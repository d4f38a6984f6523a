package occupancy

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/db"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// TransferCoordinator moves an admission between beds. The four writes of
// a transfer commit together, so no reader ever sees the admission with
// zero or two current assignments.
type TransferCoordinator struct {
	d Deps
}

func NewTransferCoordinator(d Deps) *TransferCoordinator {
	return &TransferCoordinator{d: d.withDefaults("transfer")}
}

type TransferRequest struct {
	AdmissionID uuid.UUID
	NewBedID    uuid.UUID
	Reason      string
	Actor       string
}

type TransferResult struct {
	Closed     *BedAssignment `json:"closed"`
	Assignment *BedAssignment `json:"assignment"`
	FromBed    *bed.Bed       `json:"from_bed"`
	ToBed      *bed.Bed       `json:"to_bed"`
}

// TransferEventData is the payload of bed:transferred.
type TransferEventData struct {
	AdmissionID string         `json:"admission_id"`
	FromBed     *bed.Bed       `json:"from_bed"`
	ToBed       *bed.Bed       `json:"to_bed"`
	Assignment  *BedAssignment `json:"assignment"`
	Reason      string         `json:"reason,omitempty"`
	Actor       string         `json:"actor,omitempty"`
}

func (t *TransferCoordinator) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	fail := func(step string, err error) error {
		return &TransferError{Step: step, Err: err}
	}
	if req.AdmissionID == uuid.Nil || req.NewBedID == uuid.Nil {
		return nil, fail(StepValidate, apierror.Invalid("admission_id and new_bed_id are required"))
	}

	unlockAdmission := t.d.Locks.Lock(AdmissionLockKey(req.AdmissionID))
	defer unlockAdmission()

	if _, err := t.d.Repo.GetAdmission(ctx, req.AdmissionID); err != nil {
		return nil, fail(StepValidate, err)
	}
	cur, err := t.d.Repo.CurrentAssignment(ctx, req.AdmissionID)
	if err != nil {
		return nil, fail(StepValidate, err)
	}
	if cur.BedID == req.NewBedID {
		return nil, fail(StepValidate, ErrSameBedTransfer)
	}

	unlockBeds := t.d.Locks.Lock(bed.LockKey(cur.BedID), bed.LockKey(req.NewBedID))
	defer unlockBeds()

	var (
		step      = StepValidate
		res       TransferResult
		oldChange bed.Change
		newChange bed.Change
	)
	err = t.d.Tx.WithinTx(ctx, func(ctx context.Context) error {
		adm, err := t.d.Repo.GetAdmissionForUpdate(ctx, req.AdmissionID)
		if err != nil {
			return err
		}
		if adm.Status == AdmissionDischarged {
			return ErrAdmissionDischarged
		}
		open, err := t.d.Repo.CurrentAssignment(ctx, adm.ID)
		if err != nil {
			return err
		}
		if open.ID != cur.ID {
			return bed.ErrConcurrentUpdate
		}
		target, err := t.d.Beds.GetBedForUpdate(ctx, req.NewBedID)
		if err != nil {
			return err
		}
		if _, err := bed.Transition(target.Status, bed.EventAssign); err != nil {
			return unavailable(target.ID, err)
		}

		now := t.d.Now().UTC()
		attr := bed.Attribution{Actor: req.Actor, At: now, Reason: req.Reason}

		step = StepReleaseCurrent
		closed := open.Clone()
		closed.ReleasedAt = &now
		closed.TransferReason = strPtr(req.Reason)
		closed.ReleaseReason = strPtr(req.Reason)
		closed.ReleaseKind = strPtr(ReleaseKindTransfer)
		closed.ReleasedBy = strPtr(req.Actor)
		if err := t.d.Repo.CloseAssignment(ctx, closed); err != nil {
			return err
		}
		fromBed, fromRec, err := bed.Drive(ctx, t.d.Beds, open.BedID, bed.EventRelease, attr)
		if err != nil {
			return err
		}

		step = StepAssignNew
		toBed, toRec, err := bed.Drive(ctx, t.d.Beds, req.NewBedID, bed.EventAssign, attr)
		if err != nil {
			return unavailable(req.NewBedID, err)
		}
		asg := &BedAssignment{
			ID:             uuid.New(),
			AdmissionID:    adm.ID,
			BedID:          toBed.ID,
			BedNumber:      toBed.BedNumber,
			RoomNumber:     toBed.RoomNumber,
			AssignedAt:     now,
			TransferReason: strPtr(req.Reason),
			AssignedBy:     strPtr(req.Actor),
		}
		if err := t.d.Repo.CreateAssignment(ctx, asg); err != nil {
			if errors.Is(err, ErrBedUnavailable) {
				return &BedUnavailableError{BedID: toBed.ID, Status: bed.StatusOccupied}
			}
			return err
		}

		res = TransferResult{Closed: closed, Assignment: asg, FromBed: fromBed, ToBed: toBed}
		oldChange = bed.Change{Bed: fromBed, Record: fromRec, AdmissionID: adm.ID.String(), AssignmentID: closed.ID.String()}
		newChange = bed.Change{Bed: toBed, Record: toRec, AdmissionID: adm.ID.String(), AssignmentID: asg.ID.String()}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrCommit) {
			step = StepCommit
		}
		t.d.Logger.Warn().Err(err).
			Str("admission_id", req.AdmissionID.String()).
			Str("step", step).
			Msg("transfer rolled back")
		return nil, fail(step, err)
	}

	t.d.Logger.Info().
		Str("admission_id", req.AdmissionID.String()).
		Str("from_bed", res.FromBed.ID.String()).
		Str("to_bed", res.ToBed.ID.String()).
		Str("actor", req.Actor).
		Msg("bed transferred")

	t.d.Notifier.Publish(ctx, websocket.EventBedTransferred,
		websocket.Resource{Type: "bed", ID: res.ToBed.ID.String(), Version: res.ToBed.Version},
		TransferEventData{
			AdmissionID: req.AdmissionID.String(),
			FromBed:     res.FromBed,
			ToBed:       res.ToBed,
			Assignment:  res.Assignment,
			Reason:      req.Reason,
			Actor:       req.Actor,
		},
		res.FromBed.Scope(), res.ToBed.Scope())
	t.d.Notifier.StatusChanged(ctx, oldChange, newChange)
	return &res, nil
}
