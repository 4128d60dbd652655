/*
Package config loads Conduit configuration from the environment and an
optional YAML file using viper.

Environment keys recognized by the core:

	WORKER_CAPACITY                    default capacity for new workers
	WORKER_TIMEOUT_SECONDS             default task-execution timeout
	WORKER_MAX_RETRIES                 default retry ceiling
	WORKER_RETRY_BACKOFF_SECONDS       base delay for exponential/linear backoff
	WORKER_HEARTBEAT_INTERVAL_SECONDS  expected heartbeat cadence
	WORKER_DEAD_TIMEOUT_SECONDS        heartbeat age after which a worker is DEAD
	TASK_DEFAULT_PRIORITY              priority when the submitter omits it
	SCHEDULER_POLL_INTERVAL            scheduler sweep interval in seconds
	DLQ_ENABLED                        enable terminal-fail routing to the DLQ
	BREAKER_FAILURE_THRESHOLD          consecutive failures before a breaker opens
	BREAKER_RECOVERY_TIMEOUT           seconds before an open breaker half-opens
	SUBMIT_RATE_LIMIT                  max task submissions per minute (0 = off)
	REDIS_ADDR                         address of the shared Redis fabric
	DATA_DIR                           directory for the bbolt store and raft state
	METRICS_ADDR                       listen address for /metrics and /healthz
	NODE_ID                            stable identity for scheduler election
	RAFT_BIND_ADDR                     raft transport bind address (empty = standalone)
	LOG_LEVEL, LOG_JSON                logging configuration

Environment values override file values, which override the built-in
defaults. Keys that share a recognized prefix (WORKER_, TASK_, SCHEDULER_,
DLQ_, BREAKER_, SUBMIT_) but are not in the table above produce a warning and
are otherwise ignored.
*/
package config
