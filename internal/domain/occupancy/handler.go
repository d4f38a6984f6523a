package occupancy

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/auth"
	"github.com/ehr/ibms/pkg/pagination"
)

type Handler struct {
	ledger     *Ledger
	transfers  *TransferCoordinator
	admissions *AdmissionService
}

func NewHandler(ledger *Ledger, transfers *TransferCoordinator, admissions *AdmissionService) *Handler {
	return &Handler{ledger: ledger, transfers: transfers, admissions: admissions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - every staff role
	readGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse,
		auth.RoleHousekeeping, auth.RoleMaintenance, auth.RoleViewer))
	readGroup.GET("/admissions", h.ListAdmissions)
	readGroup.GET("/admissions/:id", h.GetAdmission)
	readGroup.GET("/admissions/:id/assignments", h.History)

	// Write endpoints - bed managers and nurses
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse))
	writeGroup.POST("/admissions", h.CreateAdmission)
	writeGroup.POST("/admissions/:id/assign", h.Assign)
	writeGroup.POST("/admissions/:id/release", h.Release)
	writeGroup.POST("/admissions/:id/transfer", h.Transfer)
	writeGroup.POST("/admissions/:id/pending-discharge", h.MarkPendingDischarge)
}

// HTTPError converts ledger and transfer errors to the shared JSON error
// body, deferring to bed.HTTPError for bed errors.
func HTTPError(err error) error {
	var te *TransferError
	if errors.As(err, &te) {
		mapped := HTTPError(te.Err)
		var he *echo.HTTPError
		if errors.As(mapped, &he) {
			body := *apierror.FromHTTPError(he)
			body.Step = te.Step
			return apierror.New(he.Code, &body)
		}
		return err
	}

	var bue *BedUnavailableError
	switch {
	case errors.As(err, &bue):
		return apierror.New(http.StatusConflict, &apierror.Body{
			Code:          apierror.CodeBedUnavailable,
			Message:       bue.Error(),
			CurrentStatus: string(bue.Status),
			BedID:         bue.BedID.String(),
		})
	case errors.Is(err, ErrBedUnavailable):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeBedUnavailable, Message: err.Error()})
	case errors.Is(err, ErrAlreadyAssigned):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeAlreadyAssigned, Message: err.Error()})
	case errors.Is(err, ErrNoCurrentAssignment):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeNoCurrentAssignment, Message: err.Error()})
	case errors.Is(err, ErrSameBedTransfer):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeSameBedTransfer, Message: err.Error()})
	case errors.Is(err, ErrAdmissionDischarged):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeAdmissionDischarged, Message: err.Error()})
	case errors.Is(err, ErrAdmissionNotFound):
		return apierror.New(http.StatusNotFound, &apierror.Body{Code: apierror.CodeAdmissionNotFound, Message: err.Error()})
	}
	return bed.HTTPError(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type assignRequest struct {
	BedID uuid.UUID `json:"bed_id"`
}

type releaseRequest struct {
	Reason           string `json:"reason"`
	DischargeType    string `json:"discharge_type"`
	DischargeSummary string `json:"discharge_summary"`
}

type transferRequest struct {
	NewBedID uuid.UUID `json:"new_bed_id"`
	Reason   string    `json:"reason"`
}

type pendingDischargeRequest struct {
	ExpectedDischargeDate *time.Time `json:"expected_discharge_date"`
}

func (h *Handler) CreateAdmission(c echo.Context) error {
	var a Admission
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.ID = uuid.Nil
	if err := h.admissions.Create(c.Request().Context(), &a); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.admissions.Get(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.admissions.List(c.Request().Context(),
		AdmissionStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.ledger.History(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*BedAssignment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Assign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	asg, err := h.ledger.Assign(ctx, AssignRequest{AdmissionID: id, BedID: req.BedID, Actor: auth.ActorFromContext(ctx)})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, asg)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	asg, err := h.ledger.Release(ctx, ReleaseRequest{
		AdmissionID:      id,
		Reason:           req.Reason,
		DischargeType:    req.DischargeType,
		DischargeSummary: req.DischargeSummary,
		Actor:            auth.ActorFromContext(ctx),
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, asg)
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.transfers.Transfer(ctx, TransferRequest{
		AdmissionID: id,
		NewBedID:    req.NewBedID,
		Reason:      req.Reason,
		Actor:       auth.ActorFromContext(ctx),
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MarkPendingDischarge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req pendingDischargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.admissions.MarkPendingDischarge(c.Request().Context(), id, req.ExpectedDischargeDate)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}
