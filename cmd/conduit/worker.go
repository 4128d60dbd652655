package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conduitq/conduit/pkg/breaker"
	"github.com/conduitq/conduit/pkg/controller"
	"github.com/conduitq/conduit/pkg/dispatch"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run and manage workers",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a worker and start its dispatch pool",
	Long: `Register this process as a worker and start claiming tasks. The pool
runs one claim loop per capacity slot plus a heartbeat ticker; Ctrl+C
drains in-flight attempts before the registration is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		capacity, _ := cmd.Flags().GetInt("capacity")
		hostname, _ := cmd.Flags().GetString("hostname")
		if hostname == "" {
			hostname, _ = os.Hostname()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := c.broker.Ping(ctx); err != nil {
			return fmt.Errorf("broker unreachable at %s: %v", c.cfg.RedisAddr, err)
		}

		worker, err := c.controller.Register(ctx, hostname, capacity, c.cfg.WorkerTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("register worker: %v", err)
		}
		log.Logger.Info().
			Str("worker_id", worker.ID).
			Str("hostname", hostname).
			Int("capacity", capacity).
			Msg("worker registered")

		registry := dispatch.NewRegistry()
		registerBuiltins(registry)

		env := &dispatch.Env{
			Breakers: breaker.New(c.broker, c.events, c.cfg.BreakerFailureThreshold, c.cfg.BreakerRecoveryTimeout),
			Flags:    breaker.NewFlags(c.broker),
		}
		loop := dispatch.NewLoop(worker.ID, c.store, c.broker, c.machine, c.policy, c.controller, registry, env)
		pool := dispatch.NewPool(worker.ID, capacity, c.cfg.HeartbeatInterval, c.controller, loop)

		pool.Run(ctx)

		// The pool has drained; remove the registration so the sweeper never
		// has to reap it
		if err := c.controller.Terminate(context.Background(), worker.ID); err != nil {
			log.Logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("deregistration failed")
		}
		return nil
	},
}

// registerBuiltins installs the handlers every worker binary carries.
// Deployments embedding Conduit register their own against the same
// registry.
func registerBuiltins(registry *dispatch.Registry) {
	registry.Register("noop", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	registry.Register("echo", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"args": task.Args, "kwargs": task.Kwargs})
	})

	registry.Register("sleep", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		seconds, _ := task.Kwargs["seconds"].(float64)
		if seconds <= 0 {
			seconds = 1
		}
		deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
		for time.Now().Before(deadline) {
			if err := dispatch.Checkpoint(ctx); err != nil {
				return nil, err
			}
			time.Sleep(100 * time.Millisecond)
		}
		return json.Marshal(map[string]any{"slept_seconds": seconds})
	})

	registry.Register("fail", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return nil, types.NewHandlerError(types.ErrClassHandler, "builtin fail handler")
	})
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		workers, err := c.store.ListWorkers()
		if err != nil {
			return err
		}
		for _, w := range workers {
			fmt.Printf("%s  %-8s  load %d/%d  host %s  heartbeat %s\n",
				w.ID, controller.EffectiveStatus(w), w.CurrentLoad, w.Capacity,
				w.Hostname, w.LastHeartbeat.Format(time.RFC3339))
		}
		return nil
	},
}

// workerAdmin builds the pause/resume/drain/terminate command family; they
// differ only in the controller call they make
func workerAdmin(use, short string, action func(*core, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " WORKER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.close()
			return action(c, cmd.Context(), args[0])
		},
	}
}

var workerSetCapacityCmd = &cobra.Command{
	Use:   "set-capacity WORKER_ID CAPACITY",
	Short: "Change a worker's concurrent task capacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		var capacity int
		if _, err := fmt.Sscanf(args[1], "%d", &capacity); err != nil {
			return fmt.Errorf("capacity must be an integer: %v", err)
		}
		return c.controller.UpdateCapacity(cmd.Context(), args[0], capacity)
	},
}

var workerSetTimeoutCmd = &cobra.Command{
	Use:   "set-timeout WORKER_ID SECONDS",
	Short: "Change a worker's default task timeout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		var seconds int
		if _, err := fmt.Sscanf(args[1], "%d", &seconds); err != nil {
			return fmt.Errorf("seconds must be an integer: %v", err)
		}
		return c.controller.UpdateTimeout(cmd.Context(), args[0], seconds)
	},
}

func init() {
	workerRunCmd.Flags().Int("capacity", 5, "Concurrent task capacity")
	workerRunCmd.Flags().String("hostname", "", "Hostname to register (defaults to os.Hostname)")

	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerAdmin("pause", "Pause a worker's claiming", func(c *core, ctx context.Context, id string) error {
		return c.controller.Pause(ctx, id)
	}))
	workerCmd.AddCommand(workerAdmin("resume", "Resume a paused worker", func(c *core, ctx context.Context, id string) error {
		return c.controller.Resume(ctx, id)
	}))
	workerCmd.AddCommand(workerAdmin("drain", "Stop claiming and retire when idle", func(c *core, ctx context.Context, id string) error {
		return c.controller.Drain(ctx, id)
	}))
	workerCmd.AddCommand(workerAdmin("terminate", "Remove a worker registration", func(c *core, ctx context.Context, id string) error {
		return c.controller.Terminate(ctx, id)
	}))
	workerCmd.AddCommand(workerSetCapacityCmd)
	workerCmd.AddCommand(workerSetTimeoutCmd)
}
