package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns message", func(t *testing.T) {
		err := &AppError{Code: "TEST_ERROR", Message: "test error message"}
		assert.Equal(t, "test error message", err.Error())
	})

	t.Run("Error includes wrapped error", func(t *testing.T) {
		err := &AppError{Code: "TEST_ERROR", Message: "outer", Err: errors.New("inner")}
		assert.Equal(t, "outer: inner", err.Error())
	})

	t.Run("Is matches by code", func(t *testing.T) {
		a := InvalidState("job is running")
		b := InvalidState("something else")
		assert.True(t, errors.Is(a, b))
		assert.False(t, errors.Is(a, Validation("x")))
	})

	t.Run("Is defers to wrapped sentinel", func(t *testing.T) {
		assert.True(t, errors.Is(InsufficientCredits(""), ErrInsufficientCredits))
	})
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
	}{
		{"not found", NotFound("job"), CodeNotFound, http.StatusNotFound},
		{"unauthorized", Unauthorized(""), CodeUnauthorized, http.StatusUnauthorized},
		{"validation", Validation(""), CodeValidation, http.StatusUnprocessableEntity},
		{"invalid state", InvalidState("bad"), CodeInvalidState, http.StatusConflict},
		{"insufficient credits", InsufficientCredits(""), CodeInsufficientCredits, http.StatusPaymentRequired},
		{"rate limited", RateLimited(""), CodeRateLimited, http.StatusTooManyRequests},
		{"internal", Internal("", nil), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
	assert.Equal(t, "job not found", NotFound("job").Message)
}

func TestFrom(t *testing.T) {
	t.Run("passes AppError through", func(t *testing.T) {
		in := InvalidState("x")
		assert.Same(t, in, From(fmt.Errorf("wrap: %w", in)))
	})

	t.Run("maps wrapped sentinels", func(t *testing.T) {
		assert.Equal(t, http.StatusPaymentRequired, From(fmt.Errorf("reserve: %w", ErrInsufficientCredits)).StatusCode)
		assert.Equal(t, http.StatusNotFound, From(fmt.Errorf("get: %w", ErrNotFound)).StatusCode)
		assert.Equal(t, http.StatusTooManyRequests, From(ErrRateLimited).StatusCode)
	})

	t.Run("hides unknown errors", func(t *testing.T) {
		got := From(errors.New("connection reset"))
		assert.Equal(t, CodeInternal, got.Code)
		assert.Equal(t, "internal server error", got.Message)
	})
}

func TestToResponse(t *testing.T) {
	resp := Validation("prompts required").WithDetails(map[string]any{"field": "prompts"}).ToResponse()
	assert.Equal(t, CodeValidation, resp.Error.Code)
	assert.Equal(t, "prompts required", resp.Error.Message)
	assert.Equal(t, "prompts", resp.Error.Details["field"])
}
