package occupancy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/websocket"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestAdmissionService_Create(t *testing.T) {
	f := newFixture(t)
	f.pub.reset()

	a := &Admission{PatientID: "MRN-1", PatientName: "Ada", AdmissionType: "elective", Status: AdmissionDischarged}
	if err := f.admissions.Create(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != AdmissionActive {
		t.Errorf("expected active, got %s", a.Status)
	}
	if !strings.HasPrefix(a.AdmissionNumber, "ADM-20260302-") {
		t.Errorf("unexpected admission number %s", a.AdmissionNumber)
	}
	if a.AdmissionDate.IsZero() {
		t.Error("expected admission date defaulted")
	}
	events := f.pub.snapshot()
	if len(events) != 1 || events[0].Type != websocket.EventAdmissionCreated || events[0].Topic != websocket.TopicAdmissions {
		t.Errorf("expected admission:created on admissions, got %+v", events)
	}
}

func TestAdmissionService_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []*Admission{
		{PatientName: "Ada", AdmissionType: "elective"},
		{PatientID: "MRN-1", AdmissionType: "elective"},
		{PatientID: "MRN-1", PatientName: "Ada", AdmissionType: "walk_in"},
	}
	for _, a := range tests {
		if err := f.admissions.Create(ctx, a); !errors.Is(err, apierror.ErrInvalidInput) {
			t.Errorf("expected invalid input for %+v, got %v", a, err)
		}
	}
}

func TestAdmissionService_GetWithCurrentAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, f.room(t, 2, "201"), "201-A")
	adm := f.admit(t, "Ada")

	got, err := f.admissions.Get(ctx, adm.ID)
	if err != nil || got.CurrentAssignment != nil {
		t.Fatalf("expected no current assignment, got %+v (%v)", got, err)
	}
	if _, err := f.ledger.Assign(ctx, AssignRequest{AdmissionID: adm.ID, BedID: b.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, err = f.admissions.Get(ctx, adm.ID)
	if err != nil || got.CurrentAssignment == nil || got.CurrentAssignment.BedID != b.ID {
		t.Errorf("expected current assignment to 201-A, got %+v (%v)", got, err)
	}
	if _, err := f.admissions.Get(ctx, uuid.New()); !errors.Is(err, ErrAdmissionNotFound) {
		t.Errorf("expected ErrAdmissionNotFound, got %v", err)
	}
}

func TestAdmissionService_MarkPendingDischarge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.admit(t, "Ada")
	expectedAt := testNow.Add(48 * time.Hour)

	got, err := f.admissions.MarkPendingDischarge(ctx, adm.ID, &expectedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != AdmissionPendingDischarge || !got.ExpectedDischargeDate.Equal(expectedAt) {
		t.Errorf("unexpected admission: %+v", got)
	}

	list, total, err := f.admissions.List(ctx, AdmissionPendingDischarge, 10, 0)
	if err != nil || total != 1 || list[0].ID != adm.ID {
		t.Errorf("expected the admission in pending_discharge list, got %d (%v)", total, err)
	}
	if _, _, err := f.admissions.List(ctx, "sleeping", 10, 0); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid status filter, got %v", err)
	}
}

func TestBedAssignment_JSONIsCurrent(t *testing.T) {
	a := BedAssignment{ID: uuid.New(), AssignedAt: testNow}
	raw, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"is_current":true`) {
		t.Errorf("expected is_current true in %s", raw)
	}
	a.ReleasedAt = &testNow
	raw, _ = a.MarshalJSON()
	if !strings.Contains(string(raw), `"is_current":false`) {
		t.Errorf("expected is_current false in %s", raw)
	}
}
