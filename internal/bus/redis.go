package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the networked MessageBus implementation: Redis PUBLISH/
// SUBSCRIBE for the topic channels, and SET...EX/GET for the hot-intent
// cache. It lets multiple coordinator processes share fan-out, per the
// "decouple the producer from possibly-many solver consumers, allow
// multiple coordinator processes in future" requirement -- delivery
// remains at-most-once, same as MemoryBus.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// NewRedisBus connects to addr (host:port). The caller owns Close.
func NewRedisBus(addr, password string, db int) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBus{client: client, subs: make(map[*redisSub]struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	once   sync.Once
	parent *RedisBus
	cancel context.CancelFunc
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.pubsub.Close()
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.ch)
	})
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Message, 256),
		parent: b,
		cancel: cancel,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	redisCh := pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					// Outbound full: drop, consumer resyncs from durable state.
				}
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) CacheSet(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return b.client.Set(ctx, key, payload, ttl).Err()
}

func (b *RedisBus) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *RedisBus) CacheDelete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return b.client.Close()
}
