package cron

import (
	"testing"
	"time"

	"github.com/conduitq/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"hourly", "0 * * * *", false},
		{"weekday mornings", "30 9 * * 1-5", false},
		{"step values", "*/15 * * * *", false},
		{"too few fields", "* * * *", true},
		{"too many fields", "* * * * * *", true},
		{"bad minute", "61 * * * *", true},
		{"garbage", "not a cron", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidCron)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	next, err := Next("0 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC), next)

	next, err = Next("45 10 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC), next)

	_, err = Next("bogus", base)
	assert.ErrorIs(t, err, types.ErrInvalidCron)
}

func TestNextIsStrictlyMonotonic(t *testing.T) {
	// Each generated next-run is strictly greater than its base
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		next, err := Next("*/5 * * * *", base)
		require.NoError(t, err)
		assert.True(t, next.After(base), "next %v must be after base %v", next, base)
		base = next
	}
}
