package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	redisQueuePrefix = "flowrun:queue:"
	redisDelayedKey  = "flowrun:queue:delayed"
	promoteBatchSize = 100
	blockTimeout     = time.Second
)

// promoteScript moves due members of the delayed set onto their ready lists. Members
// are "<queue>|<payload>".
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local sep = string.find(member, '|', 1, true)
  redis.call('RPUSH', ARGV[3] .. string.sub(member, 1, sep - 1), string.sub(member, sep + 1))
end
return #due
`)

// RedisQueue keeps ready submissions in one list per queue and deferred ones in a
// sorted set scored by delivery time. Consumers promote due submissions every second.
type RedisQueue struct {
	logger *slog.Logger
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisQueue(logger *slog.Logger, client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{
		logger: logger.With("module", "redis_queue"),
		client: client,
		now:    time.Now,
	}
}

func (q *RedisQueue) Submit(ctx context.Context, submission Submission) error {
	payload, err := encode(submission)
	if err != nil {
		return err
	}

	queue := submission.Queue()

	if submission.Due(q.now()) {
		err = q.client.RPush(ctx, redisQueuePrefix+queue, payload).Err()
	} else {
		err = q.client.ZAdd(ctx, redisDelayedKey, redis.Z{
			Score:  float64(submission.DeliverAt.UnixMilli()),
			Member: queue + "|" + string(payload),
		}).Err()
	}

	if err != nil {
		return fmt.Errorf("failed to submit to %s: %w", queue, err)
	}

	return nil
}

// Promote moves due deferred submissions to their queues and returns how many moved.
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{redisDelayedKey},
		strconv.FormatInt(q.now().UnixMilli(), 10), promoteBatchSize, redisQueuePrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote deferred submissions: %w", err)
	}

	return moved, nil
}

func (q *RedisQueue) Consume(ctx context.Context, queues []string, handler DeliveryHandler) error {
	promoter := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := promoter.AddFunc("@every 1s", func() {
		moved, err := q.Promote(ctx)
		if err != nil {
			q.logger.ErrorContext(ctx, "Promotion failed", "error", err)
		} else if moved > 0 {
			q.logger.DebugContext(ctx, "Promoted deferred submissions", "count", moved)
		}
	})
	if err != nil {
		return err
	}

	promoter.Start()
	defer promoter.Stop()

	keys := make([]string, len(queues))
	for i, queue := range queues {
		keys[i] = redisQueuePrefix + queue
	}

	q.logger.InfoContext(ctx, "Consuming queues", "queues", queues)

	for ctx.Err() == nil {
		err := q.next(ctx, keys, handler)
		if err != nil && ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "Error consuming submission", "error", err)
			time.Sleep(blockTimeout)
		}
	}

	return nil
}

func (q *RedisQueue) next(ctx context.Context, keys []string, handler DeliveryHandler) error {
	result, err := q.client.BLPop(ctx, blockTimeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return err
	}

	submission, err := decode([]byte(result[1]))
	if err != nil {
		q.logger.WarnContext(ctx, "Dropping malformed submission", "queue", result[0], "error", err)

		return nil
	}

	err = handler(ctx, submission)
	if err != nil {
		q.logger.ErrorContext(ctx, "Submission handler failed", "submission_id", submission.ID, "error", err)
	}

	return nil
}

// Close is a no-op: the client belongs to the caller.
func (q *RedisQueue) Close() error {
	return nil
}
