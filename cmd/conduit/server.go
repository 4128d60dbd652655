package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conduitq/conduit/pkg/election"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/metrics"
	"github.com/conduitq/conduit/pkg/scheduler"
	"github.com/conduitq/conduit/pkg/workflow"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Conduit control plane",
	Long: `Run the control plane: the scheduler that promotes due and retrying
tasks, the workflow engine that releases dependents on completion, the
orphan sweeper, and the metrics endpoint.

With NODE_ID and RAFT_BIND_ADDR set, the scheduler joins a Raft group and
only the elected leader expands recurring schedules; standby instances take
over on leader loss without re-minting occurrences the old leader already
expanded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")
		if err := c.broker.Ping(ctx); err != nil {
			metrics.RegisterComponent("broker", false, err.Error())
			return fmt.Errorf("broker unreachable at %s: %v", c.cfg.RedisAddr, err)
		}
		metrics.RegisterComponent("broker", true, "")

		var coord *election.Coordinator
		if c.cfg.NodeID != "" && c.cfg.RaftBindAddr != "" {
			coord = election.New(c.cfg.NodeID, c.cfg.RaftBindAddr, c.cfg.DataDir)
			join, _ := cmd.Flags().GetBool("join")
			if join {
				err = coord.Join()
			} else {
				err = coord.Bootstrap()
			}
			if err != nil {
				return fmt.Errorf("start coordinator: %v", err)
			}
			defer func() {
				if err := coord.Shutdown(); err != nil {
					log.Logger.Warn().Err(err).Msg("coordinator shutdown failed")
				}
			}()
			metrics.RegisterComponent("coordinator", true, "")
		}

		engine := workflow.NewEngine(c.store, c.broker, c.machine)
		go func() {
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				log.Logger.Error().Err(err).Msg("workflow engine stopped")
				metrics.UpdateComponent("workflow", false, err.Error())
			}
		}()
		metrics.RegisterComponent("workflow", true, "")

		sched := scheduler.New(c.store, c.broker, c.machine, c.controller, coord, engine, c.cfg.SchedulerPollInterval)
		go sched.Run(ctx)
		metrics.RegisterComponent("scheduler", true, "")

		collector := metrics.NewCollector(c.store, c.broker, 15*time.Second)
		go collector.Start(ctx)

		go logAlerts(ctx, c)
		go logEvents(ctx, c)

		go func() {
			if err := metrics.Serve(c.cfg.MetricsAddr); err != nil {
				log.Logger.Error().Err(err).Str("addr", c.cfg.MetricsAddr).Msg("metrics endpoint failed")
			}
		}()

		log.Logger.Info().
			Str("version", Version).
			Str("redis", c.cfg.RedisAddr).
			Str("data_dir", c.cfg.DataDir).
			Str("metrics", c.cfg.MetricsAddr).
			Bool("clustered", coord != nil).
			Msg("control plane started")

		<-ctx.Done()
		log.Logger.Info().Msg("shutting down")
		sched.Stop()
		return nil
	},
}

// logAlerts relays fabric alerts into the server log so a single node
// deployment needs no external alert consumer
func logAlerts(ctx context.Context, c *core) {
	alerts, cancel, err := c.broker.SubscribeAlerts(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("alert subscription failed")
		return
	}
	defer cancel()
	for alert := range alerts {
		log.Logger.Warn().
			Str("type", alert.Type).
			Str("severity", alert.Severity).
			Interface("metadata", alert.Metadata).
			Msg("alert")
	}
}

// logEvents drains the in-process event broker into the server log,
// giving the control plane an audit trail of submissions, transitions,
// and worker state changes
func logEvents(ctx context.Context, c *core) {
	sub := c.events.Subscribe()
	defer c.events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			log.Logger.Debug().
				Str("type", string(event.Type)).
				Str("task_id", event.TaskID).
				Str("worker_id", event.WorkerID).
				Str("message", event.Message).
				Msg("event")
		}
	}
}

func init() {
	serverCmd.Flags().Bool("join", false, "Join an existing Raft group instead of bootstrapping")
}
