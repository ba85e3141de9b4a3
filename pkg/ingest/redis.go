package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix prefixes every subject published to Redis.
const DefaultRedisChannelPrefix = "nextstep:"

// RedisTransport carries envelopes over Redis Pub/Sub. Subject patterns are
// mapped to PSUBSCRIBE globs and re-checked on delivery, so "*" keeps its
// single-segment meaning.
type RedisTransport struct {
	client        redis.UniversalClient
	channelPrefix string

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type redisSubscription struct {
	transport *RedisTransport
	ch        chan Message
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *redisSubscription) C() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return nil
}

// NewRedisTransport creates a Redis-backed transport.
func NewRedisTransport(client redis.UniversalClient, channelPrefix string) *RedisTransport {
	if channelPrefix == "" {
		channelPrefix = DefaultRedisChannelPrefix
	}
	return &RedisTransport{
		client:        client,
		channelPrefix: channelPrefix,
		subs:          make(map[*redisSubscription]struct{}),
	}
}

// Publish sends payload on the channel of subject.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("ingest: subject cannot be empty")
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("ingest: redis transport is closed")
	}
	return t.client.Publish(ctx, t.channelPrefix+subject, payload).Err()
}

// Subscribe subscribes to every channel matching pattern. The subscription
// is confirmed with Redis before Subscribe returns.
func (t *RedisTransport) Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("ingest: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 64
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("ingest: redis transport is closed")
	}

	pubsub := t.client.PSubscribe(ctx, t.channelPrefix+redisGlob(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("ingest: redis subscribe %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{
		transport: t,
		ch:        make(chan Message, buffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.subs[sub] = struct{}{}
	go t.forwardMessages(subCtx, pubsub, pattern, sub)
	return sub, nil
}

// forwardMessages owns sub.ch and closes it on exit. A full buffer drops
// its oldest message.
func (t *RedisTransport) forwardMessages(ctx context.Context, pubsub *redis.PubSub, pattern string, sub *redisSubscription) {
	defer close(sub.done)
	defer close(sub.ch)
	defer func() {
		_ = pubsub.Close()
	}()

	redisCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			subject := strings.TrimPrefix(msg.Channel, t.channelPrefix)
			if !subjectMatches(pattern, subject) {
				continue
			}
			out := Message{Subject: subject, Payload: []byte(msg.Payload), Timestamp: time.Now().UTC()}
			select {
			case sub.ch <- out:
				continue
			default:
			}
			select {
			case <-sub.ch:
				metricsRecorder().RecordTransportDrop("redis", 1)
			default:
			}
			select {
			case sub.ch <- out:
			default:
				metricsRecorder().RecordTransportDrop("redis", 1)
			}
		}
	}
}

// Close closes every open subscription. The client is owned by the caller.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redisSubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Healthy checks if the Redis connection is alive.
func (t *RedisTransport) Healthy(ctx context.Context) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	return t.client.Ping(ctx).Err() == nil
}

// redisGlob maps a subject pattern to a PSUBSCRIBE glob.
func redisGlob(pattern string) string {
	if pattern == ">" {
		return "*"
	}
	if strings.HasSuffix(pattern, ".>") {
		pattern = strings.TrimSuffix(pattern, ">") + "*"
	}
	return strings.NewReplacer("?", `\?`, "[", `\[`, "]", `\]`).Replace(pattern)
}
