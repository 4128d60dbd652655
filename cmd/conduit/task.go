package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/queue"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit NAME",
	Short: "Submit a task",
	Long: `Submit a task by handler name. Without --at or --cron the task is
enqueued immediately; --at parks it until the given time, and --cron with
--recurring submits a recurring schedule the control plane expands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		req := &queue.Request{Name: args[0]}
		req.Priority, _ = cmd.Flags().GetInt("priority")
		req.CronExpr, _ = cmd.Flags().GetString("cron")
		req.Recurring, _ = cmd.Flags().GetBool("recurring")
		req.TimeoutSeconds, _ = cmd.Flags().GetInt("timeout")
		req.BackoffBase, _ = cmd.Flags().GetInt("backoff-base")
		req.BackoffIncrement, _ = cmd.Flags().GetInt("backoff-increment")
		req.MaxBackoff, _ = cmd.Flags().GetInt("max-backoff")

		if strategy, _ := cmd.Flags().GetString("strategy"); strategy != "" {
			req.Strategy = types.RetryStrategy(strategy)
		}
		if retries, _ := cmd.Flags().GetInt("max-retries"); retries >= 0 {
			req.MaxRetries = &retries
		}
		if at, _ := cmd.Flags().GetString("at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %v", err)
			}
			req.ScheduledAt = &t
		}
		if raw, _ := cmd.Flags().GetString("args"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Args); err != nil {
				return fmt.Errorf("--args must be a JSON array: %v", err)
			}
		}
		if raw, _ := cmd.Flags().GetString("kwargs"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Kwargs); err != nil {
				return fmt.Errorf("--kwargs must be a JSON object: %v", err)
			}
		}

		task, err := c.service.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Println(task.ID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task",
	Long: `Cancel a task. Waiting tasks are cancelled immediately; a RUNNING task
gets a cooperative cancel flag its handler resolves at the next checkpoint,
so the reported status stays RUNNING until the worker reacts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		status, err := c.service.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show a task and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		task, err := c.store.GetTask(args[0])
		if err != nil {
			return err
		}
		executions, err := c.store.ListExecutions(args[0])
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]any{
			"task":       task,
			"executions": executions,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		entries, err := c.store.ListDLQ()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Printf("%s  %s  attempts %d  moved %s  %s\n",
				entry.TaskID, entry.Descriptor.Name, entry.Attempts,
				entry.MovedAt.Format(time.RFC3339), entry.Reason)
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue TASK_ID",
	Short: "Resubmit a dead-lettered task as a fresh task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		task, err := c.service.RequeueDLQ(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(task.ID)
		return nil
	},
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard TASK_ID",
	Short: "Drop a dead-lettered task permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()
		return c.service.DiscardDLQ(cmd.Context(), args[0])
	},
}

func init() {
	submitCmd.Flags().Int("priority", 0, "Priority 1-10 (0 uses the deployment default)")
	submitCmd.Flags().String("args", "", "Positional arguments as a JSON array")
	submitCmd.Flags().String("kwargs", "", "Keyword arguments as a JSON object")
	submitCmd.Flags().String("at", "", "Run at the given RFC3339 time")
	submitCmd.Flags().String("cron", "", "Cron expression for recurring schedules")
	submitCmd.Flags().Bool("recurring", false, "Expand --cron into recurring instances")
	submitCmd.Flags().Int("max-retries", -1, "Retry budget 0-10 (-1 uses the deployment default)")
	submitCmd.Flags().String("strategy", "", "Retry strategy: immediate, linear, exponential, custom")
	submitCmd.Flags().Int("backoff-base", 0, "Backoff base seconds")
	submitCmd.Flags().Int("backoff-increment", 0, "Linear backoff increment seconds")
	submitCmd.Flags().Int("max-backoff", 0, "Backoff ceiling seconds")
	submitCmd.Flags().Int("timeout", 0, "Per-attempt timeout seconds")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqDiscardCmd)
}
