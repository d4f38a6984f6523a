// Package apierror defines the JSON error body shared by the occupancy API
// and its client.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Machine-readable error codes.
const (
	CodeInvalidTransition   = "invalid_transition"
	CodeAlreadyAssigned     = "already_assigned"
	CodeNoCurrentAssignment = "no_current_assignment"
	CodeBedUnavailable      = "bed_unavailable"
	CodeSameBedTransfer     = "same_bed_transfer"
	CodeLedgerManaged       = "ledger_managed"
	CodeAdmissionDischarged = "admission_discharged"
	CodeBedNotFound         = "bed_not_found"
	CodeRoomNotFound        = "room_not_found"
	CodeAdmissionNotFound   = "admission_not_found"
	CodeConflict            = "conflict"
	CodeInvalidInput        = "invalid_input"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeInternal            = "internal"
)

// ErrInvalidInput marks a request rejected by validation.
var ErrInvalidInput = errors.New("invalid input")

// Invalid wraps ErrInvalidInput with a formatted message.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Body is the JSON error payload.
type Body struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	CurrentStatus string   `json:"current_status,omitempty"`
	TargetStatus  string   `json:"target_status,omitempty"`
	Event         string   `json:"event,omitempty"`
	Allowed       []string `json:"allowed,omitempty"`
	Step          string   `json:"step,omitempty"`
	BedID         string   `json:"bed_id,omitempty"`
}

func (b *Body) Error() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Code
}

// New returns an echo error whose message is rendered as body.
func New(status int, body *Body) *echo.HTTPError {
	return echo.NewHTTPError(status, body)
}

// FromHTTPError normalizes any echo error to a Body so every response has
// the same shape.
func FromHTTPError(he *echo.HTTPError) *Body {
	switch m := he.Message.(type) {
	case *Body:
		return m
	case Body:
		return &m
	case string:
		return &Body{Code: codeForStatus(he.Code), Message: m}
	default:
		return &Body{Code: codeForStatus(he.Code), Message: fmt.Sprint(m)}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidInput
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusConflict:
		return CodeConflict
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		return CodeInternal
	}
}

// ErrorHandler replaces echo's default so every failure, including routing
// and auth errors, is written as a Body.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	body := FromHTTPError(he)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = c.JSON(he.Code, body)
}
