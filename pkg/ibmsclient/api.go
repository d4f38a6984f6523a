package ibmsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/pkg/pagination"
)

// API calls the occupancy REST endpoints. Mutations are never retried;
// reads are retried on transport failures up to Config.RetryCount times.
type API struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewAPI(cfg Config) *API {
	cfg = cfg.withDefaults()
	client := resty.New().
		SetBaseURL(cfg.BaseURL+apiPrefix).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(retryReads).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if cfg.Actor != "" {
		client.SetHeader("X-Actor", cfg.Actor)
	}

	return &API{
		http:   client,
		logger: cfg.Logger.With().Str("component", "ibms-api").Logger(),
	}
}

func retryReads(resp *resty.Response, err error) bool {
	if err == nil || resp == nil || resp.Request == nil {
		return false
	}
	return resp.Request.Method == http.MethodGet
}

func (a *API) do(ctx context.Context, method, path string, body, result interface{}) error {
	req := a.http.R().
		SetContext(ctx).
		SetError(&apierror.Body{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		a.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrTransportDisconnected, err)
	}
	if resp.IsError() {
		errBody, _ := resp.Error().(*apierror.Body)
		apiErr := decodeError(resp.StatusCode(), errBody)
		a.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode()).
			Str("code", codeOf(apiErr)).
			Msg("request rejected")
		return apiErr
	}
	return nil
}

func codeOf(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Body.Code
	}
	return ""
}

// Floors returns the summary of every floor.
func (a *API) Floors(ctx context.Context) ([]*Floor, error) {
	var out []*Floor
	if err := a.do(ctx, http.MethodGet, "/floors", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rooms returns the room summaries of one floor.
func (a *API) Rooms(ctx context.Context, floor int) ([]*Room, error) {
	var out []*Room
	if err := a.do(ctx, http.MethodGet, "/floors/"+strconv.Itoa(floor)+"/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) Room(ctx context.Context, id uuid.UUID) (*Room, error) {
	var out Room
	if err := a.do(ctx, http.MethodGet, "/rooms/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RoomBeds returns the beds of a room with their current status.
func (a *API) RoomBeds(ctx context.Context, roomID uuid.UUID) ([]*Bed, error) {
	var out []*Bed
	if err := a.do(ctx, http.MethodGet, "/rooms/"+roomID.String()+"/beds", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) Bed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	var out Bed
	if err := a.do(ctx, http.MethodGet, "/beds/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusHistory returns the most recent transitions of a bed, newest first.
func (a *API) StatusHistory(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error) {
	var out []*StatusChange
	path := "/beds/" + bedID.String() + "/status-history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) bedAction(ctx context.Context, method, path string, body interface{}) (*Bed, error) {
	var out Bed
	if err := a.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateBedStatus asks the server to move a bed to status. Targets only the
// ledger may reach are rejected with bed.ErrLedgerManaged.
func (a *API) UpdateBedStatus(ctx context.Context, bedID uuid.UUID, status BedStatus, reason string) (*Bed, error) {
	body := struct {
		Status BedStatus `json:"status"`
		Reason string    `json:"reason,omitempty"`
	}{status, reason}
	return a.bedAction(ctx, http.MethodPatch, "/beds/"+bedID.String()+"/status", body)
}

func (a *API) ReserveBed(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/beds/"+bedID.String()+"/reservation", reasonBody{reason})
}

func (a *API) CancelReservation(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/beds/"+bedID.String()+"/reservation/cancel", reasonBody{reason})
}

func (a *API) MarkBedCleaned(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/beds/"+bedID.String()+"/cleaned", nil)
}

func (a *API) MarkBedForMaintenance(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/beds/"+bedID.String()+"/maintenance", reasonBody{reason})
}

func (a *API) ResolveMaintenance(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/beds/"+bedID.String()+"/maintenance/resolve", reasonBody{reason})
}

func (a *API) CreateRoom(ctx context.Context, r *Room) (*Room, error) {
	var out Room
	if err := a.do(ctx, http.MethodPost, "/rooms", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CreateBed(ctx context.Context, roomID uuid.UUID, b *Bed) (*Bed, error) {
	return a.bedAction(ctx, http.MethodPost, "/rooms/"+roomID.String()+"/beds", b)
}

func (a *API) CreateAdmission(ctx context.Context, adm *Admission) (*Admission, error) {
	var out Admission
	if err := a.do(ctx, http.MethodPost, "/admissions", adm, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Admission returns an admission with its current assignment, if any.
func (a *API) Admission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	var out Admission
	if err := a.do(ctx, http.MethodGet, "/admissions/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AdmissionPage is one page of GET /admissions.
type AdmissionPage struct {
	Data    []*Admission `json:"data"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// Admissions lists admissions, optionally filtered by status.
func (a *API) Admissions(ctx context.Context, status string, page pagination.Params) (*AdmissionPage, error) {
	var out AdmissionPage
	q := url.Values{}
	for k, v := range page.QueryParams() {
		q.Set(k, v)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/admissions?" + q.Encode()
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssignBed gives an admission a bed. It fails with
// occupancy.ErrAlreadyAssigned or a *occupancy.BedUnavailableError.
func (a *API) AssignBed(ctx context.Context, admissionID, bedID uuid.UUID) (*Assignment, error) {
	var out Assignment
	body := struct {
		BedID uuid.UUID `json:"bed_id"`
	}{bedID}
	if err := a.do(ctx, http.MethodPost, "/admissions/"+admissionID.String()+"/assign", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseRequest releases an admission's bed. A non-empty DischargeType
// also discharges the admission.
type ReleaseRequest struct {
	AdmissionID      uuid.UUID `json:"-"`
	Reason           string    `json:"reason,omitempty"`
	DischargeType    string    `json:"discharge_type,omitempty"`
	DischargeSummary string    `json:"discharge_summary,omitempty"`
}

func (a *API) ReleaseBed(ctx context.Context, req ReleaseRequest) (*Assignment, error) {
	var out Assignment
	if err := a.do(ctx, http.MethodPost, "/admissions/"+req.AdmissionID.String()+"/release", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferBed moves an admission to another bed. Failures arrive as a
// *occupancy.TransferError naming the step.
func (a *API) TransferBed(ctx context.Context, admissionID, newBedID uuid.UUID, reason string) (*TransferResult, error) {
	var out TransferResult
	body := struct {
		NewBedID uuid.UUID `json:"new_bed_id"`
		Reason   string    `json:"reason,omitempty"`
	}{newBedID, reason}
	if err := a.do(ctx, http.MethodPost, "/admissions/"+admissionID.String()+"/transfer", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkPendingDischarge(ctx context.Context, admissionID uuid.UUID, expected *time.Time) (*Admission, error) {
	var out Admission
	body := struct {
		ExpectedDischargeDate *time.Time `json:"expected_discharge_date,omitempty"`
	}{expected}
	if err := a.do(ctx, http.MethodPost, "/admissions/"+admissionID.String()+"/pending-discharge", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssignmentHistory returns every assignment of an admission in the order
// they were made.
func (a *API) AssignmentHistory(ctx context.Context, admissionID uuid.UUID) ([]*Assignment, error) {
	var out []*Assignment
	if err := a.do(ctx, http.MethodGet, "/admissions/"+admissionID.String()+"/assignments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
