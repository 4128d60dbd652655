/*
Package metrics exposes Prometheus instrumentation and process health.

The package keeps two kinds of signals. Counters and histograms (attempts,
retries, dead-letters, attempt duration) are incremented inline by the
components that own the events. Gauges (task and worker populations, queue
depths, breaker states) are sampled by the Collector, which polls the store
and the fabric on a fixed interval.

Health is a process-wide component map: each subsystem registers itself and
updates its status, and the /health, /ready, and /live endpoints report the
aggregate. Readiness requires the store and the broker; everything else only
degrades /health.
*/
package metrics
