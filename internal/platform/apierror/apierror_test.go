package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestInvalid(t *testing.T) {
	err := Invalid("bed_id is required")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatal("expected ErrInvalidInput")
	}
	if err.Error() != "invalid input: bed_id is required" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
		current string
		allowed int
	}{
		{
			name:    "domain body",
			err:     New(http.StatusConflict, &Body{Code: CodeInvalidTransition, Message: "nope", CurrentStatus: "occupied", Allowed: []string{"available"}}),
			status:  http.StatusConflict,
			code:    CodeInvalidTransition,
			message: "nope",
			current: "occupied",
			allowed: 1,
		},
		{
			name:    "string message",
			err:     echo.NewHTTPError(http.StatusNotFound, "route not found"),
			status:  http.StatusNotFound,
			code:    "not_found",
			message: "route not found",
		},
		{
			name:    "unauthorized",
			err:     echo.NewHTTPError(http.StatusUnauthorized, "missing token"),
			status:  http.StatusUnauthorized,
			code:    CodeUnauthorized,
			message: "missing token",
		},
		{
			name:    "plain error",
			err:     errors.New("boom"),
			status:  http.StatusInternalServerError,
			code:    CodeInternal,
			message: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

			ErrorHandler(tt.err, c)

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}
			var body Body
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, body.Code)
			}
			if body.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, body.Message)
			}
			if body.CurrentStatus != tt.current {
				t.Errorf("expected current_status %q, got %q", tt.current, body.CurrentStatus)
			}
			if len(body.Allowed) != tt.allowed {
				t.Errorf("expected %d allowed entries, got %v", tt.allowed, body.Allowed)
			}
		})
	}
}

func TestErrorHandler_InstalledOnEcho(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.GET("/conflict", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "bed is occupied")
	})

	for path, want := range map[string]int{"/conflict": http.StatusConflict, "/missing": http.StatusNotFound} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
		var body Body
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: expected JSON body: %v", path, err)
		}
	}
}
