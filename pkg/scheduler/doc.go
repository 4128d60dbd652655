/*
Package scheduler promotes due tasks into the ready queues.

One instance per deployment is active; standbys tick idle until the
coordinator hands them leadership. Each pass:

 1. Reads the fabric's scheduled set for entries due now and releases each
    under a conditional PENDING/RETRYING -> QUEUED transition, so a
    concurrent pass cannot double-release a task.
 2. Scans the store for due RETRYING tasks whose fabric entry was lost and
    promotes them the same way.
 3. For recurring tasks, mints the next instance (new id, same descriptor)
    at the next cron occurrence and advances the replicated watermark.
 4. Triggers the worker controller's orphan sweep.

Single-task failures are logged and retried on the next pass; the loop
never stops for one bad entry.
*/
package scheduler
