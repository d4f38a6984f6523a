package occupancy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.HTTPErrorHandler = apierror.ErrorHandler
	return NewHandler(f.ledger, f.transfers, f.admissions), f, e
}

func jsonContext(e *echo.Echo, body string, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(req.Context(), "u-7", "Nurse Kim", []string{auth.RoleNurse}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func bodyOf(t *testing.T, err error, status int) *apierror.Body {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != status {
		t.Errorf("expected status %d, got %d", status, he.Code)
	}
	return apierror.FromHTTPError(he)
}

func TestHandler_AssignAndHistory(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.bed(t, f.room(t, 2, "201"), "201-A")
	adm := f.admit(t, "Ada")

	c, rec := jsonContext(e, `{"bed_id":"`+b.ID.String()+`"}`, adm.ID.String())
	if err := h.Assign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var asg map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &asg)
	if asg["is_current"] != true || asg["assigned_by"] != "Nurse Kim" {
		t.Errorf("unexpected assignment body: %v", asg)
	}

	c, rec = jsonContext(e, "", adm.ID.String())
	if err := h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var history []BedAssignment
	json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history) != 1 || history[0].BedID != b.ID {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestHandler_AssignUnavailable(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.bed(t, f.room(t, 2, "201"), "201-A")
	ada := f.admit(t, "Ada")
	bob := f.admit(t, "Bob")

	c, _ := jsonContext(e, `{"bed_id":"`+b.ID.String()+`"}`, ada.ID.String())
	if err := h.Assign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ = jsonContext(e, `{"bed_id":"`+b.ID.String()+`"}`, bob.ID.String())
	body := bodyOf(t, h.Assign(c), http.StatusConflict)
	if body.Code != apierror.CodeBedUnavailable || body.CurrentStatus != "occupied" || body.BedID != b.ID.String() {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_TransferSameBed(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.bed(t, f.room(t, 2, "201"), "201-A")
	adm := f.admit(t, "Ada")
	c, _ := jsonContext(e, `{"bed_id":"`+b.ID.String()+`"}`, adm.ID.String())
	if err := h.Assign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ = jsonContext(e, `{"new_bed_id":"`+b.ID.String()+`","reason":"x"}`, adm.ID.String())
	body := bodyOf(t, h.Transfer(c), http.StatusConflict)
	if body.Code != apierror.CodeSameBedTransfer || body.Step != StepValidate {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_ReleaseWithoutAssignment(t *testing.T) {
	h, f, e := newTestHandler(t)
	adm := f.admit(t, "Ada")

	c, _ := jsonContext(e, `{"reason":"done"}`, adm.ID.String())
	body := bodyOf(t, h.Release(c), http.StatusConflict)
	if body.Code != apierror.CodeNoCurrentAssignment {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_CreateAndListAdmissions(t *testing.T) {
	h, _, e := newTestHandler(t)

	c, rec := jsonContext(e, `{"patient_id":"MRN-9","patient_name":"Cy","admission_type":"maternity"}`, "")
	if err := h.CreateAdmission(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/?status=active&limit=5", nil)
	rec = httptest.NewRecorder()
	if err := h.ListAdmissions(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []Admission `json:"data"`
		Total int         `json:"total"`
		Limit int         `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 || page.Limit != 5 || page.Data[0].PatientName != "Cy" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestHandler_GetAdmission_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := jsonContext(e, "", "00000000-0000-0000-0000-000000000001")
	body := bodyOf(t, h.GetAdmission(c), http.StatusNotFound)
	if body.Code != apierror.CodeAdmissionNotFound {
		t.Errorf("unexpected body: %+v", body)
	}
}
