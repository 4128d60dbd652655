package metrics

import (
	"context"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/rs/zerolog"
)

// Collector periodically samples platform state into the gauges
type Collector struct {
	store    storage.Store
	broker   *broker.Broker
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, b *broker.Broker, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		broker:   b,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic metric collection
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts metric collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	c.collectTasks()
	c.collectWorkers()
	c.collectFabric(ctx)
}

func (c *Collector) collectTasks() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect task metrics")
		return
	}

	counts := make(map[types.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	for _, status := range types.TaskStatuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectWorkers() {
	workers, err := c.store.ListWorkers()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect worker metrics")
		return
	}

	counts := make(map[types.WorkerStatus]int)
	for _, worker := range workers {
		counts[worker.Status]++
		WorkerLoad.WithLabelValues(worker.ID).Set(float64(worker.CurrentLoad))
	}
	for _, status := range types.WorkerStatuses {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectFabric(ctx context.Context) {
	stats, err := c.broker.Stats(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect fabric metrics")
		return
	}

	for band, depth := range stats.QueueDepth {
		QueueDepth.WithLabelValues(string(band)).Set(float64(depth))
	}
	ScheduledTotal.Set(float64(stats.Scheduled))
	DLQTotal.Set(float64(stats.DLQ))
}
