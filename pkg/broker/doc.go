/*
Package broker implements the queue fabric over Redis.

The broker owns every ephemeral structure the dispatch plane needs fast
access to. Authoritative state lives in pkg/storage; anything here can be
rebuilt from the store after a fabric loss.

# Key Layout

	conduit:queue:{high|medium|low}   FIFO lists of task ids (RPUSH/BLPOP)
	conduit:scheduled                 zset of task ids by due timestamp
	conduit:task:<id>                 metadata mirror hash per task
	conduit:dlq                       zset of dead-lettered task ids by move time
	conduit:dlq:task:<id>             dead-letter entry blob
	conduit:worker:<id>               pause/drain/capacity/timeout flag hash
	conduit:ratelimit:<resource>      windowed admission counter (INCR + TTL)
	conduit:templates                 hash of workflow template definitions
	conduit:completions               pub/sub channel (task id, terminal status)
	conduit:alerts                    pub/sub channel for operational alerts

# Claim Protocol

Dequeue BLPOPs across the band lists in HIGH -> MEDIUM -> LOW order, blocking
up to the given timeout across all three. The broker never sets RUNNING
itself: the dispatch loop performs the QUEUED -> RUNNING transition in the
store, whose conditional update is the idempotency point. Queues therefore
tolerate duplicate deliveries.

Completion publishing is best-effort. Subscribers that miss an event must
recover state by polling the store.

# Error Conditions

Out-of-range priorities clamp to the MEDIUM band. Fabric errors wrap
types.ErrBrokerUnavailable and are retryable from the caller's view.

# Testing

Tests run against miniredis, including blocking dequeue, pub/sub, and the
windowed rate counter (via clock fast-forward).
*/
package broker
