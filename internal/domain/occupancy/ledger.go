package occupancy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/db"
	"github.com/ehr/ibms/internal/platform/lock"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// Deps wires the ledger, the transfer coordinator and the admission
// service. Locks must be the set the bed service uses.
type Deps struct {
	Beds     bed.Repository
	Repo     Repository
	Tx       db.TxRunner
	Locks    *lock.Keyed
	Notifier *bed.Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults(component string) Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locks == nil {
		d.Locks = lock.NewKeyed()
	}
	d.Logger = d.Logger.With().Str("component", component).Logger()
	return d
}

// AdmissionLockKey is the keyed-lock name guarding one admission. It sorts
// before every bed key, so admissions are always locked first.
func AdmissionLockKey(id uuid.UUID) string { return "admission:" + id.String() }

// Ledger owns the admission-to-bed assignments. Every write keeps two
// invariants: an admission has at most one current assignment, and a bed
// is occupied exactly when one current assignment references it.
type Ledger struct {
	d Deps
}

func NewLedger(d Deps) *Ledger {
	return &Ledger{d: d.withDefaults("ledger")}
}

type AssignRequest struct {
	AdmissionID uuid.UUID
	BedID       uuid.UUID
	Actor       string
}

// ReleaseRequest closes the current assignment. A non-empty DischargeType
// also discharges the admission.
type ReleaseRequest struct {
	AdmissionID      uuid.UUID
	Reason           string
	DischargeType    string
	DischargeSummary string
	Actor            string
}

func (l *Ledger) Assign(ctx context.Context, req AssignRequest) (*BedAssignment, error) {
	if req.AdmissionID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, apierror.Invalid("admission_id and bed_id are required")
	}

	unlock := l.d.Locks.Lock(AdmissionLockKey(req.AdmissionID), bed.LockKey(req.BedID))
	defer unlock()

	var (
		asg    *BedAssignment
		change bed.Change
	)
	err := l.d.Tx.WithinTx(ctx, func(ctx context.Context) error {
		adm, err := l.d.Repo.GetAdmissionForUpdate(ctx, req.AdmissionID)
		if err != nil {
			return err
		}
		if adm.Status == AdmissionDischarged {
			return ErrAdmissionDischarged
		}
		if _, err := l.d.Repo.CurrentAssignment(ctx, adm.ID); err == nil {
			return ErrAlreadyAssigned
		} else if !errors.Is(err, ErrNoCurrentAssignment) {
			return err
		}

		now := l.d.Now().UTC()
		b, sc, err := bed.Drive(ctx, l.d.Beds, req.BedID, bed.EventAssign, bed.Attribution{Actor: req.Actor, At: now})
		if err != nil {
			return unavailable(req.BedID, err)
		}

		asg = &BedAssignment{
			ID:          uuid.New(),
			AdmissionID: adm.ID,
			BedID:       b.ID,
			BedNumber:   b.BedNumber,
			RoomNumber:  b.RoomNumber,
			AssignedAt:  now,
			AssignedBy:  strPtr(req.Actor),
		}
		if err := l.d.Repo.CreateAssignment(ctx, asg); err != nil {
			if errors.Is(err, ErrBedUnavailable) {
				return &BedUnavailableError{BedID: b.ID, Status: bed.StatusOccupied}
			}
			return err
		}
		change = bed.Change{Bed: b, Record: sc, AdmissionID: adm.ID.String(), AssignmentID: asg.ID.String()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.d.Logger.Info().
		Str("admission_id", req.AdmissionID.String()).
		Str("bed_id", req.BedID.String()).
		Str("assignment_id", asg.ID.String()).
		Str("actor", req.Actor).
		Msg("bed assigned")
	l.d.Notifier.Transitioned(ctx, change)
	return asg, nil
}

// Release closes the admission's current assignment and sends the bed to
// cleaning. It returns the closed assignment.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (*BedAssignment, error) {
	if req.AdmissionID == uuid.Nil {
		return nil, apierror.Invalid("admission_id is required")
	}
	if req.DischargeType != "" && !validDischargeTypes[req.DischargeType] {
		return nil, apierror.Invalid("invalid discharge_type: %s", req.DischargeType)
	}

	unlockAdmission := l.d.Locks.Lock(AdmissionLockKey(req.AdmissionID))
	defer unlockAdmission()

	if _, err := l.d.Repo.GetAdmission(ctx, req.AdmissionID); err != nil {
		return nil, err
	}
	cur, err := l.d.Repo.CurrentAssignment(ctx, req.AdmissionID)
	if err != nil {
		return nil, err
	}

	unlockBed := l.d.Locks.Lock(bed.LockKey(cur.BedID))
	defer unlockBed()

	var (
		closed     *BedAssignment
		change     bed.Change
		discharged *Admission
	)
	err = l.d.Tx.WithinTx(ctx, func(ctx context.Context) error {
		adm, err := l.d.Repo.GetAdmissionForUpdate(ctx, req.AdmissionID)
		if err != nil {
			return err
		}
		open, err := l.d.Repo.CurrentAssignment(ctx, adm.ID)
		if err != nil {
			return err
		}
		if open.ID != cur.ID {
			return bed.ErrConcurrentUpdate
		}

		now := l.d.Now().UTC()
		kind := ReleaseKindRelease
		if req.DischargeType != "" {
			kind = ReleaseKindDischarge
		}
		closed = open.Clone()
		closed.ReleasedAt = &now
		closed.ReleaseReason = strPtr(req.Reason)
		closed.ReleaseKind = strPtr(kind)
		closed.ReleasedBy = strPtr(req.Actor)
		if err := l.d.Repo.CloseAssignment(ctx, closed); err != nil {
			return err
		}

		b, sc, err := bed.Drive(ctx, l.d.Beds, open.BedID, bed.EventRelease,
			bed.Attribution{Actor: req.Actor, At: now, Reason: req.Reason})
		if err != nil {
			return err
		}
		change = bed.Change{Bed: b, Record: sc, AdmissionID: adm.ID.String(), AssignmentID: closed.ID.String()}

		if req.DischargeType != "" {
			adm.Status = AdmissionDischarged
			adm.DischargeType = strPtr(req.DischargeType)
			adm.DischargeSummary = strPtr(req.DischargeSummary)
			adm.DischargedAt = &now
			adm.UpdatedAt = now
			if err := l.d.Repo.UpdateAdmission(ctx, adm); err != nil {
				return err
			}
			discharged = adm
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.d.Logger.Info().
		Str("admission_id", req.AdmissionID.String()).
		Str("bed_id", cur.BedID.String()).
		Str("release_kind", *closed.ReleaseKind).
		Str("actor", req.Actor).
		Msg("bed released")
	l.d.Notifier.Transitioned(ctx, change)
	if discharged != nil {
		l.d.Notifier.Publish(ctx, websocket.EventAdmissionDischarged,
			websocket.Resource{Type: "admission", ID: discharged.ID.String()}, discharged)
	}
	return closed, nil
}

// History lists every assignment of an admission, oldest first.
func (l *Ledger) History(ctx context.Context, admissionID uuid.UUID) ([]*BedAssignment, error) {
	if _, err := l.d.Repo.GetAdmission(ctx, admissionID); err != nil {
		return nil, err
	}
	return l.d.Repo.ListAssignments(ctx, admissionID)
}

func (l *Ledger) Current(ctx context.Context, admissionID uuid.UUID) (*BedAssignment, error) {
	if _, err := l.d.Repo.GetAdmission(ctx, admissionID); err != nil {
		return nil, err
	}
	return l.d.Repo.CurrentAssignment(ctx, admissionID)
}
