/*
Package breaker protects named external dependencies with shared-state
circuit breakers.

States per dependency:

	CLOSED    calls pass; consecutive failures are counted
	OPEN      calls fail fast with ErrBreakerOpen; after the recovery
	          timeout the breaker moves to HALF_OPEN
	HALF_OPEN exactly one caller wins the probe token (SETNX); success
	          closes the breaker, failure reopens it

State lives in the Redis fabric, not in process memory: every worker on
every host sees the same open/closed decision, and a flapping dependency is
cut off fleet-wide at the threshold instead of once per process.

Degradation flags ride the same fabric. A flagged dependency carries one of
the fallback strategies (return-cached, default-value, skip-enrichment,
reduce-throughput, async-fallback, queue-to-fallback); the dispatch loop
reads the flag before calling and handlers take the prescribed path. The
reduce-throughput signal is enforced at the submit boundary by the windowed
admission limiter.
*/
package breaker
