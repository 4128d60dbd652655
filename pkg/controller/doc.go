/*
Package controller manages worker registrations and liveness.

Worker states:

	ACTIVE   accepts new claims (reads as IDLE at load 0)
	PAUSED   keeps current assignments, no new claims
	DRAINING finishes current work, no new claims; DEAD at load 0
	DEAD     no longer counted; must re-register

Control state (pause/drain flags, capacity, timeout) is mirrored into the
broker fabric so dispatch loops read it before each claim without a store
round-trip. The store stays authoritative.

The orphan sweep expires workers whose heartbeat is older than the dead
timeout, then fails each of their RUNNING tasks with "worker expired" and
routes the failure through the retry policy, which decides re-queue versus
dead-letter per task.
*/
package controller
