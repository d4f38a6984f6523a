package bed

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/auth"
	"github.com/ehr/ibms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - every staff role
	readGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse,
		auth.RoleHousekeeping, auth.RoleMaintenance, auth.RoleViewer))
	readGroup.GET("/floors", h.ListFloors)
	readGroup.GET("/floors/:floor/rooms", h.ListRooms)
	readGroup.GET("/rooms/:id", h.GetRoom)
	readGroup.GET("/rooms/:id/beds", h.ListRoomBeds)
	readGroup.GET("/beds/:id", h.GetBed)
	readGroup.GET("/beds/:id/status-history", h.StatusHistory)

	// Bed flow - bed managers and nurses
	flowGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse))
	flowGroup.PATCH("/beds/:id/status", h.UpdateStatus)
	flowGroup.POST("/beds/:id/reservation", h.Reserve)
	flowGroup.POST("/beds/:id/reservation/cancel", h.CancelReservation)

	// Housekeeping
	cleanGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RoleHousekeeping))
	cleanGroup.POST("/beds/:id/cleaned", h.MarkCleaned)

	// Maintenance
	maintGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse,
		auth.RoleHousekeeping, auth.RoleMaintenance))
	maintGroup.POST("/beds/:id/maintenance", h.ReportMaintenance)
	maintGroup.POST("/beds/:id/maintenance/resolve", h.ResolveMaintenance)

	// Inventory - admins and bed managers
	adminGroup := api.Group("", auth.RequireRole(auth.RoleBedManager))
	adminGroup.POST("/rooms", h.CreateRoom)
	adminGroup.POST("/rooms/:id/beds", h.CreateBed)
}

// HTTPError converts a bed error to the shared JSON error body. Errors it
// does not recognise are returned unchanged and end up as 500s.
func HTTPError(err error) error {
	var ite *InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		allowed := make([]string, len(ite.Allowed))
		for i, s := range ite.Allowed {
			allowed[i] = string(s)
		}
		return apierror.New(http.StatusConflict, &apierror.Body{
			Code:          apierror.CodeInvalidTransition,
			Message:       ite.Error(),
			CurrentStatus: string(ite.Current),
			TargetStatus:  string(ite.Target),
			Event:         string(ite.Event),
			Allowed:       allowed,
		})
	case errors.Is(err, ErrLedgerManaged):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeLedgerManaged, Message: err.Error()})
	case errors.Is(err, ErrBedNotFound):
		return apierror.New(http.StatusNotFound, &apierror.Body{Code: apierror.CodeBedNotFound, Message: err.Error()})
	case errors.Is(err, ErrRoomNotFound):
		return apierror.New(http.StatusNotFound, &apierror.Body{Code: apierror.CodeRoomNotFound, Message: err.Error()})
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrDuplicate):
		return apierror.New(http.StatusConflict, &apierror.Body{Code: apierror.CodeConflict, Message: err.Error()})
	case errors.Is(err, ErrReasonRequired), errors.Is(err, apierror.ErrInvalidInput):
		return apierror.New(http.StatusBadRequest, &apierror.Body{Code: apierror.CodeInvalidInput, Message: err.Error()})
	}
	return err
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c echo.Context) (string, error) {
	var req reasonRequest
	if c.Request().ContentLength == 0 {
		return "", nil
	}
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req.Reason, nil
}

type statusRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) ListFloors(c echo.Context) error {
	floors, err := h.svc.ListFloors(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	if floors == nil {
		floors = []*Floor{}
	}
	return c.JSON(http.StatusOK, floors)
}

func (h *Handler) ListRooms(c echo.Context) error {
	floor, err := strconv.Atoi(c.Param("floor"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid floor")
	}
	rooms, err := h.svc.ListRooms(c.Request().Context(), floor)
	if err != nil {
		return HTTPError(err)
	}
	if rooms == nil {
		rooms = []*Room{}
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) GetRoom(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	room, err := h.svc.GetRoom(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, room)
}

func (h *Handler) ListRoomBeds(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	beds, err := h.svc.ListRoomBeds(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if beds == nil {
		beds = []*Bed{}
	}
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) GetBed(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBed(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) StatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	changes, err := h.svc.StatusHistory(c.Request().Context(), id, pg.Limit)
	if err != nil {
		return HTTPError(err)
	}
	if changes == nil {
		changes = []*StatusChange{}
	}
	return c.JSON(http.StatusOK, changes)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	b, err := h.svc.UpdateStatus(ctx, id, req.Status, auth.ActorFromContext(ctx), req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Reserve(c echo.Context) error {
	return h.withReason(c, h.svc.Reserve)
}

func (h *Handler) CancelReservation(c echo.Context) error {
	return h.withReason(c, h.svc.CancelReservation)
}

func (h *Handler) ReportMaintenance(c echo.Context) error {
	return h.withReason(c, h.svc.ReportMaintenance)
}

func (h *Handler) ResolveMaintenance(c echo.Context) error {
	return h.withReason(c, h.svc.ResolveMaintenance)
}

func (h *Handler) MarkCleaned(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := h.svc.MarkCleaned(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type reasonOp func(ctx context.Context, id uuid.UUID, actor, reason string) (*Bed, error)

func (h *Handler) withReason(c echo.Context, op reasonOp) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reason, err := bindReason(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := op(ctx, id, auth.ActorFromContext(ctx), reason)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) CreateRoom(c echo.Context) error {
	var r Room
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = uuid.Nil
	if err := h.svc.CreateRoom(c.Request().Context(), &r); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) CreateBed(c echo.Context) error {
	roomID, err := parseID(c)
	if err != nil {
		return err
	}
	var b Bed
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.ID = uuid.Nil
	b.RoomID = roomID
	if err := h.svc.CreateBed(c.Request().Context(), &b); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}
