/*
Package queue is the submission facade in front of the core.

Submit validates the descriptor (name length, priority range, retry budget,
timeout bounds, strategy, cron expression, custom-strategy registration),
applies deployment defaults, runs rate-limit admission, persists the task,
and either enqueues it immediately or parks it in the scheduled set.

SubmitWorkflow builds and persists a whole graph atomically and releases
the root tasks. Cancel is immediate for waiting tasks and cooperative for
RUNNING ones: the flag is set in the fabric and the worker resolves it at
its next checkpoint, or the attempt ends naturally. RequeueDLQ resurrects a
dead-lettered descriptor as a brand-new task; DiscardDLQ is the only other
way an entry leaves the dead-letter queue.
*/
package queue
