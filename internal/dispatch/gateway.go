// Package dispatch translates lifecycle intents into asynchronous messages
// consumed by workers. Delivery is at-least-once with a visibility timeout;
// there is no ordering guarantee across message kinds. The gateway never
// retries internally, a failed enqueue surfaces as DispatchFailed and the
// caller's persisted state is left intact.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"experiment-scheduler/internal/config"
	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
	"experiment-scheduler/internal/telemetry"
)

// Gateway coordinates ready, in-flight, and scheduled dispatch messages in
// Redis. Each message kind has its own ready list.
type Gateway struct {
	client            *redis.Client
	logger            *zap.Logger
	inflightKey       string
	scheduledKey      string
	bodyPrefix        string
	metaPrefix        string
	dlqKey            string
	visibilityTTL     time.Duration
	startCountdown    time.Duration
	deletionRetention time.Duration
}

// New builds a gateway client from config.
func New(cfg config.Config, logger *zap.Logger) *Gateway {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dispatch:dlq"
	}
	return &Gateway{
		client:            client,
		logger:            logger,
		inflightKey:       "dispatch:inflight",
		scheduledKey:      "dispatch:scheduled",
		bodyPrefix:        "dispatch:msg:",
		metaPrefix:        "dispatch:meta:",
		dlqKey:            dlq,
		visibilityTTL:     visibility,
		startCountdown:    cfg.StartCountdown,
		deletionRetention: cfg.DeletionRetention,
	}
}

func (g *Gateway) readyKey(kind Kind) string {
	return fmt.Sprintf("dispatch:ready:%s", kind)
}

func (g *Gateway) bodyKey(id string) string {
	return g.bodyPrefix + id
}

func (g *Gateway) metaKey(id string) string {
	return g.metaPrefix + id
}

// Start emits a start intent. The transition check is advisory: a violation
// is logged and the message is sent anyway, the consumer re-reads current
// state before acting. The message is delayed by the configured countdown.
func (g *Gateway) Start(ctx context.Context, job models.Job) error {
	if !lifecycle.CanTransition(job.Status, lifecycle.StatusScheduled) {
		telemetry.IllegalTransitions.Inc()
		g.logger.Warn("job cannot transition to scheduled",
			zap.String("job", job.UniqueName()),
			zap.String("status", string(job.Status)))
	}
	msg := newMessage(uuid.New().String(), KindStart, job)
	return g.enqueue(ctx, msg, g.startCountdown)
}

// Stop emits a stop intent. Safe to send twice; consumers treat a stop for an
// already-terminal job as a no-op.
func (g *Gateway) Stop(ctx context.Context, job models.Job, collectLogs, updateStatus bool) error {
	msg := newMessage(uuid.New().String(), KindStop, job)
	msg.CollectLogs = collectLogs
	msg.UpdateStatus = updateStatus
	return g.enqueue(ctx, msg, 0)
}

// ScheduleDeletion emits a deletion intent. Immediate deletions are consumed
// right away; deferred ones wait out the retention period, during which an
// unarchive cancels the effect (the consumer re-checks the archived flag).
func (g *Gateway) ScheduleDeletion(ctx context.Context, job models.Job, immediate bool) error {
	msg := newMessage(uuid.New().String(), KindScheduleDeletion, job)
	msg.Immediate = immediate
	var delay time.Duration
	if !immediate {
		delay = g.deletionRetention
	}
	return g.enqueue(ctx, msg, delay)
}

func (g *Gateway) enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindDispatchFailed, "encode dispatch message")
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, g.bodyKey(msg.ID), body, 0)
	pipe.HSet(ctx, g.metaKey(msg.ID), "kind", string(msg.Kind))
	if delay > 0 {
		runAt := time.Now().Add(delay)
		pipe.ZAdd(ctx, g.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	} else {
		pipe.RPush(ctx, g.readyKey(msg.Kind), msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		telemetry.DispatchFailures.Inc()
		return apperrors.Wrapf(err, apperrors.KindDispatchFailed, "enqueue %s for job %s", msg.Kind, msg.JobID)
	}
	telemetry.DispatchCounter.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

// PromoteScheduled moves due messages into their ready lists. Returns how
// many were promoted.
func (g *Gateway) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := g.client.ZRangeByScore(ctx, g.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := g.client.TxPipeline()
	for _, id := range ids {
		kind, err := g.client.HGet(ctx, g.metaKey(id), "kind").Result()
		if err != nil || !Kind(kind).Valid() {
			// Body and meta expired or were never written; drop the member.
			pipe.ZRem(ctx, g.scheduledKey, id)
			continue
		}
		pipe.ZRem(ctx, g.scheduledKey, id)
		pipe.RPush(ctx, g.readyKey(Kind(kind)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next ready message (kind precedence order) and places it
// in-flight with a visibility timeout. The second return is false when no
// message is ready.
func (g *Gateway) Dequeue(ctx context.Context) (Message, bool, error) {
	keys := make([]string, 0, len(Kinds)+1)
	for _, k := range Kinds {
		keys = append(keys, g.readyKey(k))
	}
	keys = append(keys, g.inflightKey)

	res, err := dequeueScript.Run(ctx, g.client, keys, time.Now().Add(g.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return Message{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := g.client.Get(ctx, g.bodyKey(id)).Result()
	if err != nil {
		// Orphaned id with no body; drop it rather than poison the loop.
		_ = g.Ack(ctx, id)
		return Message{}, false, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		_ = g.Ack(ctx, id)
		return Message{}, false, fmt.Errorf("decode dispatch message %s: %w", id, err)
	}
	return msg, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (g *Gateway) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return g.client.ZAdd(ctx, g.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking along with its body.
func (g *Gateway) Ack(ctx context.Context, id string) error {
	pipe := g.client.TxPipeline()
	pipe.ZRem(ctx, g.inflightKey, id)
	pipe.Del(ctx, g.bodyKey(id))
	pipe.Del(ctx, g.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, returning the ids moved back
// to their ready lists.
func (g *Gateway) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := g.client.ZRangeByScore(ctx, g.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := g.client.TxPipeline()
	for _, id := range ids {
		kind, err := g.client.HGet(ctx, g.metaKey(id), "kind").Result()
		if err != nil || !Kind(kind).Valid() {
			pipe.ZRem(ctx, g.inflightKey, id)
			continue
		}
		pipe.ZRem(ctx, g.inflightKey, id)
		pipe.RPush(ctx, g.readyKey(Kind(kind)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ScheduleRetry re-enqueues a failed message for a later attempt, bumping its
// attempt counter.
func (g *Gateway) ScheduleRetry(ctx context.Context, msg Message, runAt time.Time) error {
	msg.Attempts++
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode retry message: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.ZRem(ctx, g.inflightKey, msg.ID)
	pipe.Set(ctx, g.bodyKey(msg.ID), body, 0)
	pipe.HSet(ctx, g.metaKey(msg.ID), "kind", string(msg.Kind))
	pipe.ZAdd(ctx, g.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter moves a message to the DLQ for operational inspection.
func (g *Gateway) DeadLetter(ctx context.Context, msg Message, reason string) error {
	entry, err := json.Marshal(struct {
		Message
		Reason string `json:"reason"`
	}{Message: msg, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.ZRem(ctx, g.inflightKey, msg.ID)
	pipe.Del(ctx, g.bodyKey(msg.ID))
	pipe.Del(ctx, g.metaKey(msg.ID))
	pipe.RPush(ctx, g.dlqKey, entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	telemetry.DeadLetterCounter.Inc()
	return nil
}

// DLQPeek reads up to count dead-lettered entries.
func (g *Gateway) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return g.client.LRange(ctx, g.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready lists.
func (g *Gateway) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := g.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(Kinds))
	for _, k := range Kinds {
		cmds = append(cmds, pipe.LLen(ctx, g.readyKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close releases the underlying Redis client.
func (g *Gateway) Close() error {
	return g.client.Close()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local msg = redis.call('LPOP', KEYS[i])
  if msg then
    redis.call('ZADD', inflight, ARGV[1], msg)
    return msg
  end
end
return nil
`)
