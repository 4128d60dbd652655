/*
Package retry decides the fate of failed task attempts.

On a FAILED or TIMEOUT outcome the policy runs three checks in order:

 1. Error class. Validation, authentication, permission, not-found and
    invalid-input failures never retry regardless of remaining budget.
 2. Budget. retry-count >= max-retries goes terminal.
 3. Delay. Otherwise the next-attempt delay is computed from the task's
    strategy (immediate, linear, exponential, or a registered custom
    computation), the task moves to RETRYING with next-retry-at stamped,
    and the scheduler releases it back to QUEUED when the delay elapses.

The terminal path leaves the task in FAILED, records a dead-letter entry in
both the store and the broker fabric (when the DLQ is enabled), fires an
alert, and publishes the terminal failure on the completion channel so
workflow dependents observe it.

Custom strategies are process-local registrations; submission rejects a
custom-strategy task whose named computation is not registered.
*/
package retry
