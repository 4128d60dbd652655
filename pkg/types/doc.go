/*
Package types defines the core domain model shared by all Conduit packages.

It contains the Task, Worker, Dependency, Workflow, ExecutionRecord and
DLQEntry records, the status and priority-band enumerations, the condition
predicate model used by the workflow engine, and the error identifiers
surfaced to external collaborators.

# Task Lifecycle

Tasks move through a fixed state machine:

	PENDING  -> QUEUED, CANCELLED
	QUEUED   -> RUNNING, CANCELLED
	RUNNING  -> COMPLETED, FAILED, TIMEOUT, CANCELLED
	FAILED   -> RETRYING, CANCELLED
	RETRYING -> QUEUED, CANCELLED
	TIMEOUT  -> RETRYING, CANCELLED

COMPLETED and CANCELLED are absolute terminals. FAILED is terminal only when
the retry policy decides against a re-queue, at which point the task is also
placed on the dead-letter queue. The legality of each transition is enforced
by pkg/lifecycle; this package only declares the states.

# Priority Bands

Priorities run 1..10 (10 highest) and map onto three claim bands:

	HIGH    8-10
	MEDIUM  4-7
	LOW     1-3

Out-of-range priorities clamp to MEDIUM.

# Error Identifiers

The sentinel errors (ErrInvalidTask, ErrInvalidTransition, ErrNotFound, ...)
are matched with errors.Is and wrapped with fmt.Errorf("...: %w", err) to
carry context. Handler failures carry an ErrorClass; classes in the
non-retryable set (ValidationError, AuthenticationError, PermissionDenied,
ResourceNotFound, InvalidInput) route a task straight to the dead-letter
queue regardless of its retry budget.

# Integration Points

This package has no dependencies on other Conduit packages and is imported by:

  - pkg/storage: persists the records as JSON rows in bbolt buckets
  - pkg/broker: mirrors the worker-facing subset into Redis hashes
  - pkg/lifecycle: drives status transitions
  - pkg/retry: classifies failures and computes backoff from the policy fields
  - pkg/workflow: walks Dependency edges and evaluates Conditions
*/
package types
