package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hearthsync/hearthsync/internal/config"
	"github.com/hearthsync/hearthsync/internal/logging"
	"github.com/hearthsync/hearthsync/pkg/errors"
)

// topicPrefix namespaces sync topics on a shared Redis instance
const topicPrefix = "hearthsync:"

// NewRedisClient creates a Redis client from configuration and verifies
// connectivity with a bounded ping.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "INVALID_REDIS_URL", "failed to parse redis url")
	}
	opts.DialTimeout = cfg.DialTimeout.Std()
	opts.ReadTimeout = cfg.ReadTimeout.Std()
	opts.WriteTimeout = cfg.WriteTimeout.Std()
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout.Std())
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "REDIS_UNREACHABLE", "failed to ping redis")
	}

	return rdb, nil
}

// Redis is a Broker backed by Redis pub/sub. Redis preserves publish
// order per channel, which carries the per-scope ordering guarantee
// across processes.
type Redis struct {
	rdb    *redis.Client
	logger *logging.Logger

	mu   sync.Mutex
	subs []*redisSubscription
}

// NewRedis creates a Redis-backed broker
func NewRedis(rdb *redis.Client, logger *logging.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		logger: logger,
	}
}

// Publish implements Broker
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.rdb.Publish(ctx, topicPrefix+topic, payload).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroker, "PUBLISH_FAILED", "failed to publish to broker")
	}
	return nil
}

// Subscribe implements Broker. All sync topics are matched with a
// pattern subscription; the handler receives the scope-keyed topic with
// the namespace prefix stripped.
func (r *Redis) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	pubsub := r.rdb.PSubscribe(ctx, topicPrefix+"*")

	// Force the subscription onto the wire before returning so callers
	// do not miss messages published immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "SUBSCRIBE_FAILED", "failed to subscribe to broker")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(subCtx, Message{
					Topic:   strings.TrimPrefix(msg.Channel, topicPrefix),
					Payload: []byte(msg.Payload),
				})
			}
		}
	}()

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return sub, nil
}

// Close implements Broker
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return r.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}
