/*
Package cron validates and evaluates standard 5-field cron expressions
(minute, hour, day-of-month, month, day-of-week).

Validation happens once at submission time so a recurring task never enters
the store with an unparseable schedule. Next computes the occurrence
strictly after a base instant; the scheduler chains it from each fire time
so a slow tick never double-fires a schedule.
*/
package cron
