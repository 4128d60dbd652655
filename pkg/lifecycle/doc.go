/*
Package lifecycle enforces the task state machine.

States and legal transitions:

	PENDING  -> QUEUED, CANCELLED
	QUEUED   -> RUNNING, CANCELLED
	RUNNING  -> COMPLETED, FAILED, TIMEOUT, CANCELLED
	FAILED   -> RETRYING, CANCELLED
	RETRYING -> QUEUED, CANCELLED
	TIMEOUT  -> RETRYING, CANCELLED

COMPLETED and CANCELLED are absolute terminals. FAILED is terminal only once
the retry policy in pkg/retry decides against a re-queue.

Every transition runs as one conditional transaction in the durable store:
the prior status is verified, the timestamps implied by the transition are
stamped, and an execution record is appended when an attempt ended. An
attempted transition that violates the table, or that loses a race on the
prior status, fails with ErrInvalidTransition and leaves state unchanged;
callers must re-read current state rather than retry blindly.

Two transitions sit outside the table and are reachable only from the
workflow engine: MarkSkipped resolves a condition-gated PENDING child as
COMPLETED with the Skipped flag (dependents see it as satisfied), and
MarkParentFailed propagates a parent's terminal failure into a PENDING
child.

After a successful transition the machine refreshes the broker's task
mirror and, for terminal statuses, publishes on the fabric's completion
channel. Both are cache/notification updates: failures there are logged and
never roll back the store.
*/
package lifecycle
