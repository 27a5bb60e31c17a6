package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes
	IntentKeyPrefix     = "notify:"
	IntentQueueKey      = "notify_queue"
	IntentProcessingKey = "notify_processing"
	IntentStatsKey      = "notify_stats"
	IntentDelayedKey    = "notify_delayed"

	// Intent settings
	DefaultMaxRetries = 3
	IntentTTL         = 72 * time.Hour
	DefaultWorkers    = 2
)

// Sender delivers a single intent. Queue workers call it outside the billing
// request path.
type Sender interface {
	Send(ctx context.Context, intent Intent) error
}

// Queue stores notification intents in Redis and delivers them from a pool of
// workers with their own retry policy.
type Queue struct {
	client     *redis.Client
	sender     Sender
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	retryBackoff    time.Duration
	stuckMaxAge     time.Duration
	sweepInterval   time.Duration
	promoteInterval time.Duration
}

// promoteScript moves due ids from the delayed set back onto the pending list
// in one step, so an id is never in neither.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

const promoteBatch = 100

// NewQueue creates a new notification queue
func NewQueue(client *redis.Client, workers int, sender Sender) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Queue{
		client:        client,
		sender:        sender,
		workers:       workers,
		workerPool:    make(chan struct{}, workers),
		stopCh:        make(chan struct{}),
		retryBackoff:    time.Minute,
		stuckMaxAge:     10 * time.Minute,
		sweepInterval:   time.Minute,
		promoteInterval: time.Second,
	}
}

// Start starts the queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[Notify] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(q.stuckMaxAge, q.sweepInterval)

	q.wg.Add(1)
	go q.retryPromoter(q.promoteInterval)
}

// Stop stops the queue workers and waits for in-flight deliveries
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[Notify] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()

	// Drain the slot tokens so a later Start begins from an empty pool.
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[Notify] All workers stopped")
}

// Running reports whether workers are active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Notify enqueues intent. It satisfies the billing notifier contract.
func (q *Queue) Notify(ctx context.Context, intent Intent) error {
	_, err := q.Enqueue(ctx, intent)
	return err
}

// Enqueue stores the intent and pushes its id onto the pending list
func (q *Queue) Enqueue(ctx context.Context, intent Intent) (*Intent, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	intent.Status = StatusPending
	intent.RetryCount = 0
	if intent.MaxRetries <= 0 {
		intent.MaxRetries = DefaultMaxRetries
	}

	data, err := json.Marshal(&intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, IntentKeyPrefix+intent.ID, data, IntentTTL)
	pipe.LPush(ctx, IntentQueueKey, intent.ID)
	pipe.HIncrBy(ctx, IntentStatsKey, string(StatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue intent: %w", err)
	}

	log.Infof("[Notify] Enqueued %s intent %s", intent.Kind, intent.ID)
	return &intent, nil
}

// worker processes intents from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[Notify] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[Notify] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			intent, err := q.dequeue(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[Notify] Worker %d: error dequeuing intent: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if intent != nil {
				q.process(ctx, intent)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// dequeue moves the next intent id into the processing list atomically
func (q *Queue) dequeue(ctx context.Context) (*Intent, error) {
	id, err := q.client.BRPopLPush(ctx, IntentQueueKey, IntentProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	intent, err := q.GetIntent(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("intent data not found for ID %s: %w", id, err)
	}
	return intent, nil
}

// process delivers a single intent and applies the retry policy. Delivery
// failures never propagate beyond this function.
func (q *Queue) process(ctx context.Context, intent *Intent) {
	intent.MarkAsProcessing()
	q.update(ctx, intent)

	err := q.deliver(ctx, intent)
	if err != nil {
		log.Errorf("[Notify] Intent %s (%s) failed: %v", intent.ID, intent.Kind, err)
		intent.MarkAsFailed(err.Error())

		if intent.IsRetryable() {
			log.Infof("[Notify] Retrying intent %s (attempt %d/%d)", intent.ID, intent.RetryCount, intent.MaxRetries)
			intent.MarkAsRetrying()
			q.update(ctx, intent)

			q.scheduleRetry(ctx, intent.ID, time.Now().Add(q.retryBackoff*time.Duration(intent.RetryCount)))
			return
		} else {
			log.Errorf("[Notify] Intent %s permanently failed after %d attempts", intent.ID, intent.RetryCount)
			q.updateStats(ctx, StatusFailed, 1)
			q.update(ctx, intent)
		}
	} else {
		log.Infof("[Notify] Intent %s (%s) delivered to %s", intent.ID, intent.Kind, intent.Recipient)
		intent.MarkAsCompleted()
		q.updateStats(ctx, StatusCompleted, 1)
		q.removeIntent(ctx, intent.ID)
	}

	q.removeFromProcessing(ctx, intent.ID)
}

// scheduleRetry parks id in the delayed set until due. The id leaves the
// processing list in the same transaction, so a restart during backoff keeps
// it in Redis either way.
func (q *Queue) scheduleRetry(ctx context.Context, id string, due time.Time) {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, IntentDelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: id})
	pipe.LRem(ctx, IntentProcessingKey, 1, id)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[Notify] Failed to schedule retry for intent %s: %v", id, err)
	}
}

// retryPromoter periodically moves retries whose backoff has elapsed back
// onto the pending list.
func (q *Queue) retryPromoter(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.promoteDue(ctx, time.Now()); err != nil {
				log.Errorf("[Notify] Failed to promote delayed intents: %v", err)
			}
		}
	}
}

// promoteDue requeues delayed ids due at or before now and returns how many
// moved.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{IntentDelayedKey, IntentQueueKey},
		now.UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[Notify] Requeued %d delayed intent(s)", n)
	}
	return n, nil
}

// deliver isolates the sender so a panic in rendering or SMTP counts as a
// failed attempt instead of killing the worker.
func (q *Queue) deliver(ctx context.Context, intent *Intent) (err error) {
	if q.sender == nil {
		return ErrNoSender
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return q.sender.Send(ctx, *intent)
}

// stuckSweeper periodically requeues intents stuck in processing longer than maxAge
func (q *Queue) stuckSweeper(maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n := q.sweep(ctx, maxAge, time.Now()); n > 0 {
				log.Warnf("[Notify] Sweeper recovered %d stuck intent(s)", n)
			}
		}
	}
}

// sweep requeues processing entries older than maxAge and drops stray ids.
func (q *Queue) sweep(ctx context.Context, maxAge time.Duration, now time.Time) int {
	ids, err := q.client.LRange(ctx, IntentProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[Notify] Sweeper LRange error: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		intent, err := q.GetIntent(ctx, id)
		if err != nil {
			q.removeFromProcessing(ctx, id)
			continue
		}
		// A retrying intent still listed here failed to reach the delayed set.
		if intent.Status != StatusProcessing && intent.Status != StatusRetrying {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := intent.UpdatedAt
		if intent.ProcessedAt != nil && !intent.ProcessedAt.IsZero() {
			started = *intent.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		intent.Status = StatusPending
		intent.ErrorMsg = "recovered by sweeper"
		intent.UpdatedAt = now
		q.update(ctx, intent)
		q.removeFromProcessing(ctx, id)
		if err := q.client.RPush(ctx, IntentQueueKey, id).Err(); err != nil {
			log.Errorf("[Notify] Sweeper failed to requeue %s: %v", id, err)
			continue
		}
		recovered++
	}
	return recovered
}

func (q *Queue) update(ctx context.Context, intent *Intent) {
	data, err := json.Marshal(intent)
	if err != nil {
		log.Errorf("[Notify] Failed to marshal intent %s: %v", intent.ID, err)
		return
	}
	if err := q.client.Set(ctx, IntentKeyPrefix+intent.ID, data, IntentTTL).Err(); err != nil {
		log.Errorf("[Notify] Failed to update intent %s: %v", intent.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, IntentProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[Notify] Failed to remove intent %s from processing: %v", id, err)
	}
}

func (q *Queue) removeIntent(ctx context.Context, id string) {
	if err := q.client.Del(ctx, IntentKeyPrefix+id).Err(); err != nil {
		log.Errorf("[Notify] Failed to remove delivered intent %s: %v", id, err)
	}
}

func (q *Queue) updateStats(ctx context.Context, status Status, delta int64) {
	if err := q.client.HIncrBy(ctx, IntentStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[Notify] Failed to update stats: %v", err)
	}
}

// GetIntent retrieves an intent by ID
func (q *Queue) GetIntent(ctx context.Context, id string) (*Intent, error) {
	data, err := q.client.Get(ctx, IntentKeyPrefix+id).Result()
	if err != nil {
		return nil, err
	}

	var intent Intent
	if err := json.Unmarshal([]byte(data), &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
	}
	return &intent, nil
}

// Stats summarizes queue depth and delivery counters.
type Stats struct {
	Pending    int64            `json:"pending"`
	Processing int64            `json:"processing"`
	Delayed    int64            `json:"delayed"`
	Counters   map[Status]int64 `json:"counters"`
}

// GetStats returns queue sizes and cumulative status counters
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	raw, err := q.client.HGetAll(ctx, IntentStatsKey).Result()
	if err != nil {
		return nil, err
	}
	counters := make(map[Status]int64, len(raw))
	for status, count := range raw {
		if n, err := json.Number(count).Int64(); err == nil {
			counters[Status(status)] = n
		}
	}

	pending, err := q.client.LLen(ctx, IntentQueueKey).Result()
	if err != nil {
		return nil, err
	}
	processing, err := q.client.LLen(ctx, IntentProcessingKey).Result()
	if err != nil {
		return nil, err
	}
	delayed, err := q.client.ZCard(ctx, IntentDelayedKey).Result()
	if err != nil {
		return nil, err
	}
	return &Stats{Pending: pending, Processing: processing, Delayed: delayed, Counters: counters}, nil
}
