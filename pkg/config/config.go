package config

import (
	"os"
	"strings"
	"time"

	"github.com/conduitq/conduit/pkg/log"
	"github.com/spf13/viper"
)

// Config holds every setting recognized by the core. Values come from the
// environment, an optional conduit.yaml, and built-in defaults, in that order
// of precedence.
type Config struct {
	// Worker defaults
	WorkerCapacity        int           `mapstructure:"worker_capacity"`
	WorkerTimeoutSeconds  int           `mapstructure:"worker_timeout_seconds"`
	WorkerMaxRetries      int           `mapstructure:"worker_max_retries"`
	RetryBackoffSeconds   int           `mapstructure:"worker_retry_backoff_seconds"`
	HeartbeatInterval     time.Duration `mapstructure:"-"`
	DeadTimeout           time.Duration `mapstructure:"-"`

	// Task defaults
	TaskDefaultPriority int `mapstructure:"task_default_priority"`

	// Scheduler
	SchedulerPollInterval time.Duration `mapstructure:"-"`

	// DLQ
	DLQEnabled bool `mapstructure:"dlq_enabled"`

	// Breaker defaults
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"-"`

	// Admission
	SubmitRateLimit int `mapstructure:"submit_rate_limit"` // tasks per minute, 0 = unlimited

	// Infrastructure
	RedisAddr    string `mapstructure:"redis_addr"`
	DataDir      string `mapstructure:"data_dir"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	NodeID       string `mapstructure:"node_id"`
	RaftBindAddr string `mapstructure:"raft_bind_addr"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
}

// recognizedKeys is the full set of environment keys the core reads.
// Keys sharing a recognized prefix but absent from this set are warned about
// and ignored.
var recognizedKeys = map[string]bool{
	"WORKER_CAPACITY":                    true,
	"WORKER_TIMEOUT_SECONDS":             true,
	"WORKER_MAX_RETRIES":                 true,
	"WORKER_RETRY_BACKOFF_SECONDS":       true,
	"WORKER_HEARTBEAT_INTERVAL_SECONDS":  true,
	"WORKER_DEAD_TIMEOUT_SECONDS":        true,
	"TASK_DEFAULT_PRIORITY":              true,
	"SCHEDULER_POLL_INTERVAL":            true,
	"DLQ_ENABLED":                        true,
	"BREAKER_FAILURE_THRESHOLD":          true,
	"BREAKER_RECOVERY_TIMEOUT":           true,
	"SUBMIT_RATE_LIMIT":                  true,
	"REDIS_ADDR":                         true,
	"DATA_DIR":                           true,
	"METRICS_ADDR":                       true,
	"NODE_ID":                            true,
	"RAFT_BIND_ADDR":                     true,
	"LOG_LEVEL":                          true,
	"LOG_JSON":                           true,
}

var recognizedPrefixes = []string{
	"WORKER_", "TASK_", "SCHEDULER_", "DLQ_", "BREAKER_", "SUBMIT_",
}

// Load reads configuration from the environment and an optional YAML file.
// An empty file path skips file loading.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("worker_capacity", 5)
	v.SetDefault("worker_timeout_seconds", 300)
	v.SetDefault("worker_max_retries", 3)
	v.SetDefault("worker_retry_backoff_seconds", 2)
	v.SetDefault("worker_heartbeat_interval_seconds", 10)
	v.SetDefault("worker_dead_timeout_seconds", 30)
	v.SetDefault("task_default_priority", 5)
	v.SetDefault("scheduler_poll_interval", 60)
	v.SetDefault("dlq_enabled", true)
	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_recovery_timeout", 30)
	v.SetDefault("submit_rate_limit", 0)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("data_dir", "/var/lib/conduit")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("node_id", "")
	v.SetDefault("raft_bind_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	for key := range recognizedKeys {
		if err := v.BindEnv(strings.ToLower(key), key); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	warnUnknownKeys(os.Environ())

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.HeartbeatInterval = time.Duration(v.GetInt("worker_heartbeat_interval_seconds")) * time.Second
	cfg.DeadTimeout = time.Duration(v.GetInt("worker_dead_timeout_seconds")) * time.Second
	cfg.SchedulerPollInterval = time.Duration(v.GetInt("scheduler_poll_interval")) * time.Second
	cfg.BreakerRecoveryTimeout = time.Duration(v.GetInt("breaker_recovery_timeout")) * time.Second

	return &cfg, nil
}

// warnUnknownKeys logs a warning for environment keys that look like Conduit
// configuration but are not recognized. Unknown keys are ignored, not fatal.
func warnUnknownKeys(environ []string) {
	for _, entry := range environ {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if recognizedKeys[key] {
			continue
		}
		for _, prefix := range recognizedPrefixes {
			if strings.HasPrefix(key, prefix) {
				log.Logger.Warn().Str("key", key).Msg("unrecognized configuration key ignored")
				break
			}
		}
	}
}
