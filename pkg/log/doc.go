/*
Package log provides structured logging for Conduit using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	import "github.com/conduitq/conduit/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("starting poll loop")

	taskLog := log.WithTaskID("task-123")
	taskLog.Error().Err(err).Msg("attempt failed")

Structured logging:

	log.Logger.Info().
		Str("task_id", task.ID).
		Int("priority", task.Priority).
		Msg("task enqueued")

# Log Output Examples

JSON format (production):

	{"level":"info","component":"scheduler","time":"2026-08-24T10:30:00Z","message":"promoted 3 due tasks"}
	{"level":"error","component":"dispatch","task_id":"task-123","error":"handler timeout","time":"2026-08-24T10:30:02Z","message":"attempt failed"}

Console format (development):

	10:30:00 INF promoted 3 due tasks component=scheduler
	10:30:02 ERR attempt failed component=dispatch task_id=task-123 error="handler timeout"

# Integration Points

This package integrates with:

  - pkg/scheduler: poll cycle decisions and promotion failures
  - pkg/dispatch: claim, execution, and ack logging per task attempt
  - pkg/controller: worker liveness and orphan recovery
  - pkg/workflow: readiness evaluation and failure propagation
  - pkg/broker: fabric connectivity warnings
*/
package log
