package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBandFor(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		expected PriorityBand
	}{
		{"highest", 10, BandHigh},
		{"high boundary", 8, BandHigh},
		{"medium upper", 7, BandMedium},
		{"medium lower", 4, BandMedium},
		{"low upper", 3, BandLow},
		{"low boundary", 1, BandLow},
		{"zero clamps to medium", 0, BandMedium},
		{"negative clamps to medium", -5, BandMedium},
		{"over range clamps to medium", 11, BandMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BandFor(tt.priority))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())

	for _, s := range []TaskStatus{
		TaskStatusPending, TaskStatusQueued, TaskStatusRunning,
		TaskStatusFailed, TaskStatusTimeout, TaskStatusRetrying,
	} {
		assert.False(t, s.IsTerminal(), "status %s must not be terminal", s)
	}
}

func TestErrorClassRetryable(t *testing.T) {
	nonRetryable := []ErrorClass{
		ErrClassValidation,
		ErrClassAuthentication,
		ErrClassPermissionDenied,
		ErrClassResourceNotFound,
		ErrClassInvalidInput,
	}
	for _, c := range nonRetryable {
		assert.False(t, c.Retryable(), "class %s must not be retryable", c)
	}

	assert.True(t, ErrClassTransient.Retryable())
	assert.True(t, ErrClassTimeout.Retryable())
	assert.True(t, ErrClassHandler.Retryable())
}

func TestClassOf(t *testing.T) {
	err := NewHandlerError(ErrClassValidation, "bad field %q", "to")
	assert.Equal(t, ErrClassValidation, ClassOf(err))
	assert.Equal(t, "ValidationError: bad field \"to\"", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, ErrClassValidation, ClassOf(wrapped))

	assert.Equal(t, ErrClassHandler, ClassOf(errors.New("boom")))
}
