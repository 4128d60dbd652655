package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/conduitq/conduit/pkg/types"
	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions: minute, hour, day-of-month,
// month, day-of-week
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate rejects anything that is not a well-formed 5-field cron
// expression. Invalid expressions surface ErrInvalidCron at submission.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields, got %d: %w", len(fields), types.ErrInvalidCron)
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%q: %v: %w", expr, err, types.ErrInvalidCron)
	}
	return nil
}

// Next computes the first occurrence strictly after base
func Next(expr string, base time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %v: %w", expr, err, types.ErrInvalidCron)
	}
	return schedule.Next(base), nil
}
