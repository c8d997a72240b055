package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultLease is how long a consumer stays alive without a heartbeat.
const DefaultLease = 30 * time.Second

// promoteScript moves due entries from the delayed set to the wait list.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('LPUSH', KEYS[2], m)
  end
end
return #due
`)

// reclaimScript requeues a dead consumer's active list. It returns -1 and
// touches nothing while the consumer's heartbeat key exists. A reclaimed
// reservation gives back its attempt so the redelivery keeps the same
// number.
var reclaimScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local n = 0
while true do
  local m = redis.call('RPOP', KEYS[2])
  if not m then break end
  redis.call('RPUSH', KEYS[3], m)
  if redis.call('HINCRBY', KEYS[4], m, -1) <= 0 then
    redis.call('HDEL', KEYS[4], m)
  end
  n = n + 1
end
redis.call('SREM', KEYS[5], ARGV[1])
return n
`)

// Redis is a reliable list-based queue.
//
//	<name>:wait         LPUSH by producers, BLMOVE'd by consumers
//	<name>:active:<id>  payloads consumer <id> is processing
//	<name>:alive:<id>   heartbeat, expires after the lease
//	<name>:consumers    SET of registered consumer ids
//	<name>:delayed      ZSET of retries scored by due time (unix ms)
//	<name>:failed       dead letters, newest first, capped
//	<name>:attempts     HASH payload -> reservation count
//
// Each consumer reserves into its own active list, so Recover only
// requeues the lists of consumers whose heartbeat has lapsed.
type Redis struct {
	rdb   *goredis.Client
	name  string
	id    string
	wait  time.Duration
	lease time.Duration
	now   func() time.Time

	stop context.CancelFunc
	done chan struct{}
}

var (
	_ Queue     = (*Redis)(nil)
	_ Recoverer = (*Redis)(nil)
)

// NewRedis connects to url (redis://...), pings it and registers this
// process as a consumer. lease <= 0 means DefaultLease.
func NewRedis(ctx context.Context, url, name string, lease time.Duration) (*Redis, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q, err := newRedis(pctx, rdb, name, lease)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return q, nil
}

func newRedis(ctx context.Context, rdb *goredis.Client, name string, lease time.Duration) (*Redis, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	q := &Redis{
		rdb:   rdb,
		name:  name,
		id:    uuid.NewString(),
		wait:  time.Second,
		lease: lease,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	if err := q.beat(ctx); err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}
	hctx, stop := context.WithCancel(context.Background())
	q.stop = stop
	go q.heartbeat(hctx)
	return q, nil
}

// Close stops the heartbeat, drops the consumer's liveness key so peers
// can reclaim anything left reserved, and closes the client.
func (q *Redis) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	q.halt()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.Del(ctx, q.aliveKey(q.id)).Err(); err != nil {
		log.Warn().Err(err).Str("queue", q.name).Msg("queue: drop heartbeat failed")
	}
	return q.rdb.Close()
}

// halt stops the heartbeat goroutine and waits for it to exit.
func (q *Redis) halt() {
	if q.stop != nil {
		q.stop()
		<-q.done
		q.stop = nil
	}
}

func (q *Redis) key(suffix string) string { return q.name + ":" + suffix }

func (q *Redis) activeKey(id string) string { return q.key("active:" + id) }

func (q *Redis) aliveKey(id string) string { return q.key("alive:" + id) }

// ID is the consumer id this process reserves under.
func (q *Redis) ID() string { return q.id }

// Ping reports connectivity for health checks.
func (q *Redis) Ping(ctx context.Context) error { return q.rdb.Ping(ctx).Err() }

func (q *Redis) beat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, q.key("consumers"), q.id)
		p.Set(ctx, q.aliveKey(q.id), q.now().UnixMilli(), q.lease)
		return nil
	})
	return err
}

func (q *Redis) heartbeat(ctx context.Context) {
	defer close(q.done)
	t := time.NewTicker(q.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := q.beat(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("queue", q.name).Str("consumer", q.id).Msg("queue: heartbeat failed")
			}
		}
	}
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	raw, err := job.Encode()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key("wait"), raw).Err()
}

func (q *Redis) Reserve(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("queue", q.name).Msg("queue: promote delayed failed")
		}

		raw, err := q.rdb.BLMove(ctx, q.key("wait"), q.activeKey(q.id), "RIGHT", "LEFT", q.wait).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserve: %w", err)
		}

		n, err := q.rdb.HIncrBy(ctx, q.key("attempts"), raw, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("reserve: count attempt: %w", err)
		}
		return &Delivery{Raw: raw, Attempt: int(n)}, nil
	}
}

func (q *Redis) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.rdb, []string{q.key("delayed"), q.key("wait")}, now).Err()
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(q.id), 1, d.Raw)
		p.HDel(ctx, q.key("attempts"), d.Raw)
		return nil
	})
	return err
}

func (q *Redis) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	due := float64(q.now().Add(delay).UnixMilli())
	_, err := q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(q.id), 1, d.Raw)
		p.ZAdd(ctx, q.key("delayed"), goredis.Z{Score: due, Member: d.Raw})
		return nil
	})
	return err
}

func (q *Redis) Fail(ctx context.Context, d *Delivery, cause error) error {
	entry, err := json.Marshal(FailedJob{Raw: d.Raw, Error: errString(cause), Attempts: d.Attempt, FailedAt: q.now().UTC()})
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(q.id), 1, d.Raw)
		p.HDel(ctx, q.key("attempts"), d.Raw)
		p.LPush(ctx, q.key("failed"), entry)
		p.LTrim(ctx, q.key("failed"), 0, failedKeep-1)
		return nil
	})
	return err
}

// Failed returns the dead-letter list, newest first.
func (q *Redis) Failed(ctx context.Context) ([]FailedJob, error) {
	raws, err := q.rdb.LRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(raws))
	for _, r := range raws {
		var f FailedJob
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Recover requeues the active lists of consumers whose heartbeat has
// expired and reports how many payloads went back to the wait list. Live
// consumers, this one included, are never touched, so it is safe to call
// periodically from every process.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	if err := q.beat(ctx); err != nil {
		return 0, fmt.Errorf("recover: heartbeat: %w", err)
	}
	ids, err := q.rdb.SMembers(ctx, q.key("consumers")).Result()
	if err != nil {
		return 0, fmt.Errorf("recover: list consumers: %w", err)
	}
	total := 0
	for _, id := range ids {
		if id == q.id {
			continue
		}
		keys := []string{q.aliveKey(id), q.activeKey(id), q.key("wait"), q.key("attempts"), q.key("consumers")}
		n, err := reclaimScript.Run(ctx, q.rdb, keys, id).Int()
		if err != nil {
			return total, fmt.Errorf("recover %s: %w", id, err)
		}
		if n > 0 {
			log.Info().Str("queue", q.name).Str("consumer", id).Int("jobs", n).Msg("queue: reclaimed dead consumer")
			total += n
		}
	}
	return total, nil
}
