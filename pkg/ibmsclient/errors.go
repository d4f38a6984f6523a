package ibmsclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/domain/occupancy"
	"github.com/ehr/ibms/internal/platform/apierror"
)

var (
	// ErrTransportDisconnected means the server could not be reached or the
	// socket is down. It is recoverable: reconnect and refetch.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrStaleProjection means a projection saw an event it could not apply
	// and is refetching.
	ErrStaleProjection = errors.New("projection is stale")
	// ErrActionInFlight rejects a second submission for a control whose
	// previous request has not settled.
	ErrActionInFlight = errors.New("action already in flight")
)

// APIError is a non-2xx response. It unwraps to the domain error named by
// Body.Code, so callers match it with errors.Is and errors.As exactly as
// they would on the server.
type APIError struct {
	StatusCode int
	Body       apierror.Body
	Err        error
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return e.Body.Message
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// decodeError rebuilds the domain error carried by an error body.
func decodeError(status int, body *apierror.Body) error {
	if body == nil || body.Code == "" {
		b := apierror.Body{Code: codeForStatus(status), Message: http.StatusText(status)}
		if body != nil && body.Message != "" {
			b.Message = body.Message
		}
		return &APIError{StatusCode: status, Body: b, Err: sentinelFor(b)}
	}

	err := sentinelFor(*body)
	if body.Step != "" {
		err = &occupancy.TransferError{Step: body.Step, Err: err}
	}
	return &APIError{StatusCode: status, Body: *body, Err: err}
}

func sentinelFor(b apierror.Body) error {
	switch b.Code {
	case apierror.CodeInvalidTransition:
		allowed := make([]bed.Status, len(b.Allowed))
		for i, s := range b.Allowed {
			allowed[i] = bed.Status(s)
		}
		return &bed.InvalidTransitionError{
			Current: bed.Status(b.CurrentStatus),
			Event:   bed.Event(b.Event),
			Target:  bed.Status(b.TargetStatus),
			Allowed: allowed,
		}
	case apierror.CodeBedUnavailable:
		if b.CurrentStatus == "" {
			return occupancy.ErrBedUnavailable
		}
		id, _ := uuid.Parse(b.BedID)
		return &occupancy.BedUnavailableError{BedID: id, Status: bed.Status(b.CurrentStatus)}
	case apierror.CodeAlreadyAssigned:
		return occupancy.ErrAlreadyAssigned
	case apierror.CodeNoCurrentAssignment:
		return occupancy.ErrNoCurrentAssignment
	case apierror.CodeSameBedTransfer:
		return occupancy.ErrSameBedTransfer
	case apierror.CodeAdmissionDischarged:
		return occupancy.ErrAdmissionDischarged
	case apierror.CodeAdmissionNotFound:
		return occupancy.ErrAdmissionNotFound
	case apierror.CodeLedgerManaged:
		return bed.ErrLedgerManaged
	case apierror.CodeBedNotFound:
		return bed.ErrBedNotFound
	case apierror.CodeRoomNotFound:
		return bed.ErrRoomNotFound
	case apierror.CodeConflict:
		return bed.ErrConcurrentUpdate
	case apierror.CodeInvalidInput:
		return apierror.ErrInvalidInput
	}
	return nil
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apierror.CodeInvalidInput
	case http.StatusUnauthorized:
		return apierror.CodeUnauthorized
	case http.StatusForbidden:
		return apierror.CodeForbidden
	case http.StatusConflict:
		return apierror.CodeConflict
	default:
		return apierror.CodeInternal
	}
}

// UserMessage renders err for a staff member. State-machine and ledger
// errors name the reason and ask for a refresh; none of them is retried
// automatically.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		bue *occupancy.BedUnavailableError
		ite *bed.InvalidTransitionError
		ae  *APIError
	)
	switch {
	case errors.Is(err, ErrActionInFlight):
		return "still working on the previous request"
	case errors.Is(err, ErrTransportDisconnected):
		return "connection lost - reconnecting, try again shortly"
	case errors.Is(err, ErrStaleProjection):
		return "view out of date - refreshing"
	case errors.As(err, &bue):
		return fmt.Sprintf("bed no longer available (now %s) - refresh", bue.Status)
	case errors.Is(err, occupancy.ErrBedUnavailable):
		return "bed no longer available - refresh"
	case errors.As(err, &ite):
		if ite.Event == "" {
			return fmt.Sprintf("bed is %s and cannot become %s - refresh", ite.Current, ite.Target)
		}
		return fmt.Sprintf("bed is %s - refresh", ite.Current)
	case errors.Is(err, occupancy.ErrAlreadyAssigned):
		return "patient already has a bed - transfer or release it first"
	case errors.Is(err, occupancy.ErrNoCurrentAssignment):
		return "patient has no bed assigned"
	case errors.Is(err, occupancy.ErrSameBedTransfer):
		return "patient is already in that bed"
	case errors.Is(err, occupancy.ErrAdmissionDischarged):
		return "patient has been discharged"
	case errors.Is(err, bed.ErrLedgerManaged):
		return "use assign, release or transfer for this change"
	case errors.Is(err, bed.ErrConcurrentUpdate):
		return "bed changed while saving - refresh"
	case errors.As(err, &ae):
		return ae.Error()
	}
	return err.Error()
}
