package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		code   ErrorCode
	}{
		{http.StatusNotFound, ErrCodeNotFound},
		{http.StatusTooManyRequests, ErrCodeRateLimit},
		{http.StatusUnauthorized, ErrCodeUnauthorized},
		{http.StatusBadRequest, ErrCodeInvalidInput},
		{http.StatusBadGateway, ErrCodeServiceUnavailable},
		{http.StatusInternalServerError, ErrCodeRelay},
	}
	for _, tc := range cases {
		err := FromHTTPStatus("get offer", tc.status, "")
		if err.Code != tc.code {
			t.Errorf("status %d: Code = %v, want %v", tc.status, err.Code, tc.code)
		}
		if err.HTTPStatus != tc.status {
			t.Errorf("status %d: HTTPStatus = %v", tc.status, err.HTTPStatus)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(FromHTTPStatus("op", 503, "")) {
		t.Error("503 should be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", FromHTTPStatus("op", 429, ""))) {
		t.Error("wrapped 429 should be transient")
	}
	if IsTransient(FromHTTPStatus("op", 400, "")) {
		t.Error("400 should not be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestGetAppError_Unwraps(t *testing.T) {
	inner := NewNotFoundError("offer")
	wrapped := fmt.Errorf("outer: %w", inner)

	if got := GetAppError(wrapped); got != inner {
		t.Errorf("GetAppError() = %v, want %v", got, inner)
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("plain error should not be an AppError")
	}
}
