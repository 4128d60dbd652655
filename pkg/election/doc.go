/*
Package election keeps exactly one scheduler active per deployment.

The coordinator runs hashicorp/raft over a TCP transport with bbolt-backed
log and stable stores and file snapshots. Timeouts are tuned below the
library defaults so scheduler failover settles within a few seconds on LAN
latencies.

The replicated state machine carries only expansion watermarks: per
recurring schedule, the latest occurrence already turned into a task
instance. A newly elected leader resumes expanding strictly after the
replicated mark, so leadership changes never double-fire a schedule.
Watermarks only move forward; stale replays from a deposed leader are
ignored.

A nil *Coordinator is the standalone mode used by single-node deployments
and tests: always leader, no replication.
*/
package election
