package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Notifier wakes consumers blocked in Dequeue when new work is visible.
// It is only a latency optimisation: consumers also re-check the table on
// every poll interval.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
	// Wait returns a channel that is closed by the next Notify for queue.
	Wait(queue string) <-chan struct{}
}

// LocalNotifier wakes consumers inside the current process.
type LocalNotifier struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{waiters: make(map[string]chan struct{})}
}

func (n *LocalNotifier) Wait(queue string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.waiters[queue]
	if !ok {
		ch = make(chan struct{})
		n.waiters[queue] = ch
	}
	return ch
}

func (n *LocalNotifier) Notify(_ context.Context, queue string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.waiters[queue]; ok {
		close(ch)
		delete(n.waiters, queue)
	}
	return nil
}

const redisChannelPrefix = "bookshelf:queue:"

// RedisNotifier fans wake-ups out to every process attached to the same
// broker through Redis Pub/Sub.
type RedisNotifier struct {
	client *redis.Client
	local  *LocalNotifier
	sub    *redis.PubSub
	done   chan struct{}
}

// NewRedisNotifier subscribes to queue wake-ups on client. Close releases the
// subscription; the caller owns the client.
func NewRedisNotifier(ctx context.Context, client *redis.Client) (*RedisNotifier, error) {
	sub := client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "subscribe to queue notifications")
	}
	n := &RedisNotifier{
		client: client,
		local:  NewLocalNotifier(),
		sub:    sub,
		done:   make(chan struct{}),
	}
	go n.listen()
	return n, nil
}

func (n *RedisNotifier) listen() {
	defer close(n.done)
	for msg := range n.sub.Channel() {
		queue := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		_ = n.local.Notify(context.Background(), queue)
	}
}

func (n *RedisNotifier) Wait(queue string) <-chan struct{} {
	return n.local.Wait(queue)
}

// Notify publishes a wake-up. Local consumers are woken even when the
// broker is unreachable.
func (n *RedisNotifier) Notify(ctx context.Context, queue string) error {
	_ = n.local.Notify(ctx, queue)
	if err := n.client.Publish(ctx, redisChannelPrefix+queue, "1").Err(); err != nil {
		return errors.Wrap(err, "publish queue notification")
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	err := n.sub.Close()
	<-n.done
	log.Debug().Msg("queue notifier closed")
	return err
}
