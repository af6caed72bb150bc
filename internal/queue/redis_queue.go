package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"prediction-platform/internal/config"
	"prediction-platform/internal/models"
)

// RedisQueue implements the durable work channels on Redis. Each channel owns
// a ready list, an in-flight zset scored by lease deadline, a hash of item
// bodies and a hash of delivery counts. Items stay in the body hash until
// they are acked, so a crashed consumer never loses work.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	lockPoll      time.Duration
}

// Delivery is one leased work item.
type Delivery struct {
	ID      string
	Channel string
	Body    []byte
	Attempt int64
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client. A zero visibility falls
// back to the configured default.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = config.DefaultVisibilityTimeout
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		lockPoll:      50 * time.Millisecond,
	}
}

// Client returns the underlying Redis client, shared with the rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func readyKey(channel string) string      { return fmt.Sprintf("queue:%s:ready", channel) }
func inflightKey(channel string) string   { return fmt.Sprintf("queue:%s:inflight", channel) }
func itemsKey(channel string) string      { return fmt.Sprintf("queue:%s:items", channel) }
func deliveriesKey(channel string) string { return fmt.Sprintf("queue:%s:deliveries", channel) }

func checkChannel(channel string) error {
	for _, c := range models.Channels {
		if c == channel {
			return nil
		}
	}
	return fmt.Errorf("unknown channel %q", channel)
}

// Publish serializes payload and appends it to the channel. It returns the
// message id assigned to the item.
func (q *RedisQueue) Publish(ctx context.Context, channel string, payload any) (string, error) {
	if err := checkChannel(channel); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s item: %w", channel, err)
	}
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, itemsKey(channel), id, body)
	pipe.RPush(ctx, readyKey(channel), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish %s: %w", channel, err)
	}
	return id, nil
}

// Dequeue leases the oldest ready item of channel. ok is false when the
// channel is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, channel string) (Delivery, bool, error) {
	keys := []string{readyKey(channel), inflightKey(channel), itemsKey(channel), deliveriesKey(channel)}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Delivery{}, false, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	id, _ := arr[0].(string)
	body, _ := arr[1].(string)
	attempt, _ := arr[2].(int64)
	return Delivery{ID: id, Channel: channel, Body: []byte(body), Attempt: attempt}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *RedisQueue) ExtendLease(ctx context.Context, channel, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, inflightKey(channel), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes an item for good. Callers ack only after the store update the
// item asked for has been committed.
func (q *RedisQueue) Ack(ctx context.Context, channel, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(channel), id)
	pipe.HDel(ctx, itemsKey(channel), id)
	pipe.HDel(ctx, deliveriesKey(channel), id)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired moves items whose lease ran out back onto the ready list and
// returns their ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, channel string, now time.Time, limit int64) ([]string, error) {
	keys := []string{inflightKey(channel), readyKey(channel)}
	res, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return res, nil
}

// Depth reports the number of ready and leased items on channel.
func (q *RedisQueue) Depth(ctx context.Context, channel string) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, readyKey(channel))
	f := pipe.ZCard(ctx, inflightKey(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), f.Val(), nil
}

// Claim sets key if it is absent and reports whether this caller won it.
// Activation uses it so that one pending cold start exists per instance.
func (q *RedisQueue) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (q *RedisQueue) Release(ctx context.Context, key string) error {
	return q.client.Del(ctx, key).Err()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local n = redis.call('HINCRBY', KEYS[4], id, 1)
local body = redis.call('HGET', KEYS[3], id)
if not body then
  body = ''
end
return {id, body, n}
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
