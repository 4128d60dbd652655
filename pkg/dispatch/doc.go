/*
Package dispatch runs the worker-side claim/execute loop.

A worker's pool starts one heartbeat ticker plus capacity claim loops. Each
loop iteration:

 1. Reads the worker's control flags from the fabric; paused or draining
    workers poll idle.
 2. Gates on current load versus capacity.
 3. Blocks on the broker's HIGH->MEDIUM->LOW dequeue.
 4. Transitions the claimed task QUEUED -> RUNNING under the store's
    conditional update; a lost race is logged and discarded.
 5. Invokes the registered handler with panic recovery under the task's
    timeout, then resolves the outcome: COMPLETED, FAILED (routed through
    the retry policy), TIMEOUT, or CANCELLED when the handler observed the
    cooperative cancel flag at a Checkpoint.

Handlers are opaque to the core. They receive the task descriptor, may
consult the dependency guards carried in context (circuit breakers and
degradation flags), and classify failures with types.HandlerError; anything
unclassified counts as retryable. A handler that ignores its deadline is
abandoned after a grace period and the attempt resolves as TIMEOUT anyway.

Shutdown is drain-shaped: cancelling the pool's context stops new claims
but lets in-flight attempts finish.
*/
package dispatch
