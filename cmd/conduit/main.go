package main

import (
	"fmt"
	"os"
	"time"

	"github.com/conduitq/conduit/pkg/breaker"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/config"
	"github.com/conduitq/conduit/pkg/controller"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/queue"
	"github.com/conduitq/conduit/pkg/retry"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultMaxBackoffSeconds = 300

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - Distributed task queue and execution platform",
	Long: `Conduit is a distributed task queue: tasks are submitted into priority
queues, claimed by worker pools, retried with configurable backoff, and
composed into dependency-ordered workflows.

A single binary runs the control plane, the workers, and the operator CLI.`,
	Version: Version,
}

var configFile string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conduit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to conduit.yaml")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(templateCmd)
}

// core bundles the plumbing every command shares: configuration, the store,
// the fabric, and the services layered over them.
type core struct {
	cfg        *config.Config
	store      storage.Store
	broker     *broker.Broker
	events     *events.Broker
	machine    *lifecycle.Machine
	policy     *retry.Policy
	controller *controller.Controller
	service    *queue.Service
}

func openCore() (*core, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %v", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %v", err)
	}

	b := broker.New(cfg.RedisAddr)
	ev := events.NewBroker()
	ev.Start()

	machine := lifecycle.NewMachine(store, b, ev)
	policy := retry.NewPolicy(store, b, machine, ev, cfg.DLQEnabled)
	ctrl := controller.New(store, b, machine, policy, ev, cfg.DeadTimeout)

	var limiter *breaker.Limiter
	if cfg.SubmitRateLimit > 0 {
		limiter = breaker.NewLimiter(b, cfg.SubmitRateLimit, time.Minute)
	}
	service := queue.New(store, b, machine, ev, limiter, queue.Defaults{
		Priority:       cfg.TaskDefaultPriority,
		MaxRetries:     cfg.WorkerMaxRetries,
		BackoffBase:    cfg.RetryBackoffSeconds,
		MaxBackoff:     defaultMaxBackoffSeconds,
		TimeoutSeconds: cfg.WorkerTimeoutSeconds,
	})

	return &core{
		cfg:        cfg,
		store:      store,
		broker:     b,
		events:     ev,
		machine:    machine,
		policy:     policy,
		controller: ctrl,
		service:    service,
	}, nil
}

func (c *core) close() {
	c.events.Stop()
	if err := c.broker.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("broker close failed")
	}
	if err := c.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("store close failed")
	}
}
