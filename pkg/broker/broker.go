package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout in the shared fabric
const (
	keyQueuePrefix   = "conduit:queue:"    // + band, FIFO list of task ids
	keyScheduled     = "conduit:scheduled" // zset by due unix seconds
	keyTaskPrefix    = "conduit:task:"     // + task id, metadata mirror hash
	keyDLQ           = "conduit:dlq"       // zset by insertion unix seconds
	keyDLQTaskPrefix = "conduit:dlq:task:" // + task id, entry blob
	keyWorkerPrefix  = "conduit:worker:"   // + worker id, flag hash
	keyRatePrefix    = "conduit:ratelimit:" // + resource, windowed counter
	keyTemplates     = "conduit:templates" // hash: template id -> definition

	channelCompletions = "conduit:completions"
	channelAlerts      = "conduit:alerts"
)

// Broker is the queue fabric over Redis. It owns ephemeral queue membership,
// the scheduled set, the task metadata mirror, the DLQ ordered set, worker
// flags, rate-limit counters, and the completion/alert pub/sub channels.
// Authoritative state lives in pkg/storage; everything here may be rebuilt.
type Broker struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// New creates a broker connected to the Redis fabric at addr
func New(addr string) *Broker {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewWithClient(rdb)
}

// NewWithClient creates a broker over an existing client. Used by tests and
// by deployments with custom client configuration.
func NewWithClient(rdb redis.UniversalClient) *Broker {
	return &Broker{
		rdb:    rdb,
		logger: log.WithComponent("broker"),
	}
}

// Close closes the underlying client
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping verifies fabric connectivity
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func queueKey(band types.PriorityBand) string {
	return keyQueuePrefix + string(band)
}

// Enqueue right-pushes a task id onto the FIFO list for its priority band.
// Out-of-range priorities clamp to the medium band.
func (b *Broker) Enqueue(ctx context.Context, taskID string, priority int) error {
	band := types.BandFor(priority)
	if err := b.rdb.RPush(ctx, queueKey(band), taskID).Err(); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

// Dequeue scans the requested bands in HIGH -> MEDIUM -> LOW order, blocking
// up to timeout across all of them. It returns the task id atomically removed
// from one queue, or "" when the timeout elapses with nothing claimable.
//
// The broker does not set RUNNING here; the dispatch loop performs the
// RUNNING transition in the store, which is the single source of truth.
func (b *Broker) Dequeue(ctx context.Context, bands []types.PriorityBand, timeout time.Duration) (string, error) {
	if len(bands) == 0 {
		bands = types.Bands
	}
	keys := make([]string, 0, len(bands))
	for _, band := range types.Bands {
		for _, want := range bands {
			if band == want {
				keys = append(keys, queueKey(band))
			}
		}
	}

	res, err := b.rdb.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable("dequeue", err)
	}
	// BLPOP returns [key, member]
	return res[1], nil
}

// RemoveQueued removes a task id from all band lists. Used by cooperative
// cancellation; an in-flight attempt is never aborted here.
func (b *Broker) RemoveQueued(ctx context.Context, taskID string) error {
	for _, band := range types.Bands {
		if err := b.rdb.LRem(ctx, queueKey(band), 0, taskID).Err(); err != nil {
			return unavailable("remove queued", err)
		}
	}
	return nil
}

// Schedule adds a task id to the scheduled set with its due timestamp
func (b *Broker) Schedule(ctx context.Context, taskID string, due time.Time) error {
	z := redis.Z{Score: float64(due.Unix()), Member: taskID}
	if err := b.rdb.ZAdd(ctx, keyScheduled, z).Err(); err != nil {
		return unavailable("schedule", err)
	}
	return nil
}

// Due returns all scheduled task ids with due timestamp <= now
func (b *Broker) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("due scheduled", err)
	}
	return ids, nil
}

// Unschedule removes a task id from the scheduled set
func (b *Broker) Unschedule(ctx context.Context, taskID string) error {
	if err := b.rdb.ZRem(ctx, keyScheduled, taskID).Err(); err != nil {
		return unavailable("unschedule", err)
	}
	return nil
}

// MirrorTask writes the subset of task fields workers need without a store
// round-trip
func (b *Broker) MirrorTask(ctx context.Context, task *types.Task) error {
	fields := map[string]interface{}{
		"name":             task.Name,
		"status":           string(task.Status),
		"priority":         task.Priority,
		"timeout_seconds":  task.TimeoutSeconds,
		"retry_count":      task.RetryCount,
		"worker_id":        task.WorkerID,
		"workflow_id":      task.WorkflowID,
		"cancel_requested": strconv.FormatBool(task.CancelRequested),
	}
	if task.QueuedAt != nil {
		fields["queued_at"] = task.QueuedAt.Unix()
	}
	if err := b.rdb.HSet(ctx, keyTaskPrefix+task.ID, fields).Err(); err != nil {
		return unavailable("mirror task", err)
	}
	return nil
}

// Mirror reads the metadata mirror for a task. An empty map means the mirror
// is cold and the caller must fall back to the store.
func (b *Broker) Mirror(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, keyTaskPrefix+taskID).Result()
	if err != nil {
		return nil, unavailable("read mirror", err)
	}
	return fields, nil
}

// SetCancelRequested flips the cooperative cancellation flag in the mirror
func (b *Broker) SetCancelRequested(ctx context.Context, taskID string) error {
	if err := b.rdb.HSet(ctx, keyTaskPrefix+taskID, "cancel_requested", "true").Err(); err != nil {
		return unavailable("set cancel flag", err)
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag
func (b *Broker) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	val, err := b.rdb.HGet(ctx, keyTaskPrefix+taskID, "cancel_requested").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, unavailable("read cancel flag", err)
	}
	return val == "true", nil
}

// PushDLQ mirrors a dead-letter entry into the fabric's ordered set
func (b *Broker) PushDLQ(ctx context.Context, entry *types.DLQEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	z := redis.Z{Score: float64(entry.MovedAt.Unix()), Member: entry.TaskID}
	if err := b.rdb.ZAdd(ctx, keyDLQ, z).Err(); err != nil {
		return unavailable("push dlq", err)
	}
	if err := b.rdb.Set(ctx, keyDLQTaskPrefix+entry.TaskID, blob, 0).Err(); err != nil {
		return unavailable("push dlq blob", err)
	}
	return nil
}

// ListDLQ returns dead-letter entries ordered by insertion time
func (b *Broker) ListDLQ(ctx context.Context) ([]*types.DLQEntry, error) {
	ids, err := b.rdb.ZRange(ctx, keyDLQ, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list dlq", err)
	}
	entries := make([]*types.DLQEntry, 0, len(ids))
	for _, id := range ids {
		blob, err := b.rdb.Get(ctx, keyDLQTaskPrefix+id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, unavailable("read dlq blob", err)
		}
		var entry types.DLQEntry
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// RemoveDLQ removes a task from the fabric's dead-letter set. The durable
// entry in the store is removed separately by the caller.
func (b *Broker) RemoveDLQ(ctx context.Context, taskID string) error {
	if err := b.rdb.ZRem(ctx, keyDLQ, taskID).Err(); err != nil {
		return unavailable("remove dlq", err)
	}
	if err := b.rdb.Del(ctx, keyDLQTaskPrefix+taskID).Err(); err != nil {
		return unavailable("remove dlq blob", err)
	}
	return nil
}

// Worker flag operations. Workers read these before each claim so that
// pause/drain and capacity changes apply without a store round-trip.

// WorkerFlags is the fabric view of a worker's control state
type WorkerFlags struct {
	Paused         bool
	Draining       bool
	Capacity       int
	TimeoutSeconds int
}

// SetWorkerFlags writes a worker's control flags
func (b *Broker) SetWorkerFlags(ctx context.Context, workerID string, flags WorkerFlags) error {
	fields := map[string]interface{}{
		"paused":          strconv.FormatBool(flags.Paused),
		"draining":        strconv.FormatBool(flags.Draining),
		"capacity":        flags.Capacity,
		"timeout_seconds": flags.TimeoutSeconds,
	}
	if err := b.rdb.HSet(ctx, keyWorkerPrefix+workerID, fields).Err(); err != nil {
		return unavailable("set worker flags", err)
	}
	return nil
}

// WorkerFlags reads a worker's control flags
func (b *Broker) WorkerFlags(ctx context.Context, workerID string) (WorkerFlags, error) {
	fields, err := b.rdb.HGetAll(ctx, keyWorkerPrefix+workerID).Result()
	if err != nil {
		return WorkerFlags{}, unavailable("read worker flags", err)
	}
	flags := WorkerFlags{
		Paused:   fields["paused"] == "true",
		Draining: fields["draining"] == "true",
	}
	flags.Capacity, _ = strconv.Atoi(fields["capacity"])
	flags.TimeoutSeconds, _ = strconv.Atoi(fields["timeout_seconds"])
	return flags, nil
}

// RemoveWorkerFlags drops a terminated worker's flag hash
func (b *Broker) RemoveWorkerFlags(ctx context.Context, workerID string) error {
	if err := b.rdb.Del(ctx, keyWorkerPrefix+workerID).Err(); err != nil {
		return unavailable("remove worker flags", err)
	}
	return nil
}

// IncrWindow increments a per-resource counter whose TTL equals the window.
// Returns the counter value after the increment.
func (b *Broker) IncrWindow(ctx context.Context, resource string, window time.Duration) (int64, error) {
	key := keyRatePrefix + resource
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("rate incr", err)
	}
	if count == 1 {
		if err := b.rdb.Expire(ctx, key, window).Err(); err != nil {
			return 0, unavailable("rate expire", err)
		}
	}
	return count, nil
}

// Template fabric storage

// PutTemplate stores a workflow template definition by id
func (b *Broker) PutTemplate(ctx context.Context, id string, definition []byte) error {
	if err := b.rdb.HSet(ctx, keyTemplates, id, definition).Err(); err != nil {
		return unavailable("put template", err)
	}
	return nil
}

// GetTemplate reads a workflow template definition
func (b *Broker) GetTemplate(ctx context.Context, id string) ([]byte, error) {
	blob, err := b.rdb.HGet(ctx, keyTemplates, id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get template", err)
	}
	return []byte(blob), nil
}

// DeleteTemplate removes a template definition. Instances already submitted
// are unaffected.
func (b *Broker) DeleteTemplate(ctx context.Context, id string) error {
	if err := b.rdb.HDel(ctx, keyTemplates, id).Err(); err != nil {
		return unavailable("delete template", err)
	}
	return nil
}

// ListTemplates returns all stored template ids
func (b *Broker) ListTemplates(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.HKeys(ctx, keyTemplates).Result()
	if err != nil {
		return nil, unavailable("list templates", err)
	}
	return ids, nil
}

// PublishCompletion publishes (task id, terminal status) on the completion
// channel. Best-effort: subscribers that miss an event recover by polling
// the store.
func (b *Broker) PublishCompletion(ctx context.Context, completion types.Completion) error {
	payload, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelCompletions, payload).Err(); err != nil {
		return unavailable("publish completion", err)
	}
	return nil
}

// SubscribeCompletions subscribes to the completion channel. The returned
// cancel function must be called to release the subscription.
func (b *Broker) SubscribeCompletions(ctx context.Context) (<-chan types.Completion, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelCompletions)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, unavailable("subscribe completions", err)
	}

	out := make(chan types.Completion, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var completion types.Completion
			if err := json.Unmarshal([]byte(msg.Payload), &completion); err != nil {
				b.logger.Warn().Err(err).Msg("malformed completion message")
				continue
			}
			select {
			case out <- completion:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

// PublishAlert publishes an operational alert
func (b *Broker) PublishAlert(ctx context.Context, alert types.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelAlerts, payload).Err(); err != nil {
		return unavailable("publish alert", err)
	}
	return nil
}

// SubscribeAlerts subscribes to the alert channel
func (b *Broker) SubscribeAlerts(ctx context.Context) (<-chan types.Alert, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelAlerts)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, unavailable("subscribe alerts", err)
	}

	out := make(chan types.Alert, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var alert types.Alert
			if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
				b.logger.Warn().Err(err).Msg("malformed alert message")
				continue
			}
			select {
			case out <- alert:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

// Stats is a snapshot of fabric depths
type Stats struct {
	QueueDepth map[types.PriorityBand]int64
	Scheduled  int64
	DLQ        int64
}

// Stats reports queue, scheduled-set, and DLQ depths
func (b *Broker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{QueueDepth: make(map[types.PriorityBand]int64)}
	for _, band := range types.Bands {
		depth, err := b.rdb.LLen(ctx, queueKey(band)).Result()
		if err != nil {
			return nil, unavailable("queue depth", err)
		}
		stats.QueueDepth[band] = depth
	}
	var err error
	if stats.Scheduled, err = b.rdb.ZCard(ctx, keyScheduled).Result(); err != nil {
		return nil, unavailable("scheduled depth", err)
	}
	if stats.DLQ, err = b.rdb.ZCard(ctx, keyDLQ).Result(); err != nil {
		return nil, unavailable("dlq depth", err)
	}
	return stats, nil
}

// Client exposes the underlying fabric client for components that keep their
// own keys there (breaker state, degradation flags).
func (b *Broker) Client() redis.UniversalClient {
	return b.rdb
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, types.ErrBrokerUnavailable)
}
