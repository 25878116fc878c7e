// Package recordqueue is the C5 async queue port adapter: a Redis-backed
// FIFO with a processing set (duplicate suppression within one pass), a
// failed set (poison items), and a per-id failure counter.
package recordqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Key namespace.
const (
	keyQueue      = "crawl:auto_record:queue"
	keyProcessing = "crawl:auto_record:processing"
	keyFailed     = "crawl:auto_record:failed"
	keyFailureFmt = "crawl:auto_record:failures:%s"

	failureCounterTTL = time.Hour
)

// Queue is the Redis adapter for crawldomain.AutoRecordQueue.
type Queue struct {
	rdb *redis.Client
}

// New creates a Queue backed by the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func failureKey(id uuid.UUID) string {
	return fmt.Sprintf(keyFailureFmt, id.String())
}

// Enqueue pushes id onto the tail of the main FIFO queue.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.rdb.LPush(ctx, keyQueue, id.String()).Err(); err != nil {
		return fmt.Errorf("%w: enqueueing %s: %v", crawldomain.ErrTransientStore, id, err)
	}
	return nil
}

// Dequeue pops the head of the main queue (RPOP against the LPUSH tail above
// gives FIFO order).
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	val, err := q.rdb.RPop(ctx, keyQueue).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("%w: dequeueing: %v", crawldomain.ErrTransientStore, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("%w: malformed queue entry %q: %v", crawldomain.ErrFatalStore, val, err)
	}
	return id, true, nil
}

// MarkProcessing adds id to the processing set.
func (q *Queue) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if err := q.rdb.SAdd(ctx, keyProcessing, id.String()).Err(); err != nil {
		return fmt.Errorf("%w: marking %s processing: %v", crawldomain.ErrTransientStore, id, err)
	}
	return nil
}

// UnmarkProcessing removes id from the processing set.
func (q *Queue) UnmarkProcessing(ctx context.Context, id uuid.UUID) error {
	if err := q.rdb.SRem(ctx, keyProcessing, id.String()).Err(); err != nil {
		return fmt.Errorf("%w: unmarking %s processing: %v", crawldomain.ErrTransientStore, id, err)
	}
	return nil
}

// IsProcessing reports whether id is currently in the processing set.
func (q *Queue) IsProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, keyProcessing, id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: checking %s processing: %v", crawldomain.ErrTransientStore, id, err)
	}
	return ok, nil
}

// IncrementFailure bumps the per-id failure counter, resetting its TTL.
func (q *Queue) IncrementFailure(ctx context.Context, id uuid.UUID) (int, error) {
	key := failureKey(id)
	pipe := q.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, failureCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: incrementing failure count for %s: %v", crawldomain.ErrTransientStore, id, err)
	}
	return int(incr.Val()), nil
}

// ClearFailure deletes the per-id failure counter (after a recorded, duplicate,
// skipped, or missing result).
func (q *Queue) ClearFailure(ctx context.Context, id uuid.UUID) error {
	if err := q.rdb.Del(ctx, failureKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: clearing failure count for %s: %v", crawldomain.ErrTransientStore, id, err)
	}
	return nil
}

// MarkFailed moves id into the failed set, for poison items past max retries.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if err := q.rdb.SAdd(ctx, keyFailed, id.String()).Err(); err != nil {
		return fmt.Errorf("%w: marking %s failed: %v", crawldomain.ErrTransientStore, id, err)
	}
	return nil
}

// RetryFailed moves up to limit ids from the failed set back to the tail of
// the main queue, for the periodic retry pass (§4.9, every RetryFailedEveryBatches).
func (q *Queue) RetryFailed(ctx context.Context, limit int) (int, error) {
	ids, err := q.rdb.SRandMemberN(ctx, keyFailed, int64(limit)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: sampling failed set: %v", crawldomain.ErrTransientStore, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.SRem(ctx, keyFailed, id)
		pipe.LPush(ctx, keyQueue, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: retrying failed ids: %v", crawldomain.ErrTransientStore, err)
	}
	return len(ids), nil
}

// Stats reports the size of each collection.
func (q *Queue) Stats(ctx context.Context) (crawldomain.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	queueLen := pipe.LLen(ctx, keyQueue)
	processingLen := pipe.SCard(ctx, keyProcessing)
	failedLen := pipe.SCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return crawldomain.QueueStats{}, fmt.Errorf("%w: reading queue stats: %v", crawldomain.ErrTransientStore, err)
	}
	return crawldomain.QueueStats{
		QueueDepth: queueLen.Val(),
		Processing: processingLen.Val(),
		Failed:     failedLen.Val(),
	}, nil
}
