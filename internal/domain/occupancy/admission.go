package occupancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// AdmissionService keeps the minimal admission records the ledger needs.
type AdmissionService struct {
	d Deps
}

func NewAdmissionService(d Deps) *AdmissionService {
	return &AdmissionService{d: d.withDefaults("admissions")}
}

func (s *AdmissionService) Create(ctx context.Context, a *Admission) error {
	if a.PatientID == "" {
		return apierror.Invalid("patient_id is required")
	}
	if a.PatientName == "" {
		return apierror.Invalid("patient_name is required")
	}
	if !validAdmissionTypes[a.AdmissionType] {
		return apierror.Invalid("invalid admission_type: %q", a.AdmissionType)
	}

	now := s.d.Now().UTC()
	a.Status = AdmissionActive
	a.DischargeType, a.DischargeSummary, a.DischargedAt = nil, nil, nil
	a.CurrentAssignment = nil
	if a.AdmissionDate.IsZero() {
		a.AdmissionDate = now
	}
	if a.AdmissionNumber == "" {
		a.AdmissionNumber = fmt.Sprintf("ADM-%s-%s", now.Format("20060102"),
			strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]))
	}
	a.CreatedAt, a.UpdatedAt = now, now

	if err := s.d.Repo.CreateAdmission(ctx, a); err != nil {
		return err
	}
	s.d.Notifier.Publish(ctx, websocket.EventAdmissionCreated,
		websocket.Resource{Type: "admission", ID: a.ID.String()}, a)
	return nil
}

// Get returns an admission with its current assignment, if any.
func (s *AdmissionService) Get(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := s.d.Repo.GetAdmission(ctx, id)
	if err != nil {
		return nil, err
	}
	cur, err := s.d.Repo.CurrentAssignment(ctx, id)
	switch {
	case err == nil:
		a.CurrentAssignment = cur
	case !errors.Is(err, ErrNoCurrentAssignment):
		return nil, err
	}
	return a, nil
}

func (s *AdmissionService) List(ctx context.Context, status AdmissionStatus, limit, offset int) ([]*Admission, int, error) {
	if status != "" && !validAdmissionStatuses[status] {
		return nil, 0, apierror.Invalid("invalid status: %s", status)
	}
	return s.d.Repo.ListAdmissions(ctx, status, limit, offset)
}

// MarkPendingDischarge flags an active admission for discharge planning.
func (s *AdmissionService) MarkPendingDischarge(ctx context.Context, id uuid.UUID, expected *time.Time) (*Admission, error) {
	unlock := s.d.Locks.Lock(AdmissionLockKey(id))
	defer unlock()

	var out *Admission
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.d.Repo.GetAdmissionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == AdmissionDischarged {
			return ErrAdmissionDischarged
		}
		a.Status = AdmissionPendingDischarge
		if expected != nil {
			a.ExpectedDischargeDate = expected
		}
		a.UpdatedAt = s.d.Now().UTC()
		if err := s.d.Repo.UpdateAdmission(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
