package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis fans out through redis pub/sub. One pattern subscription covering
// every topic is confirmed at startup, so a local Subscribe is in effect as
// soon as it is registered in the hub.
type Redis struct {
	client *redis.Client
	ps     *redis.PubSub
	prefix string
	hub    *Hub
	log    *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewRedis(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	r, err := NewRedisWithClient(ctx, client, cfg.Prefix, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisWithClient takes ownership of client; Close closes it.
func NewRedisWithClient(ctx context.Context, client *redis.Client, prefix string, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ps := client.PSubscribe(ctx, prefix+topicPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	r := &Redis{
		client: client,
		ps:     ps,
		prefix: prefix,
		hub:    NewHub(log),
		log:    log,
		done:   make(chan struct{}),
	}
	go r.run(ps.Channel(redis.WithChannelSize(1024)))
	return r, nil
}

func (r *Redis) run(ch <-chan *redis.Message) {
	defer close(r.done)
	for msg := range ch {
		topic := Topic(strings.TrimPrefix(msg.Channel, r.prefix))
		r.hub.Broadcast(topic, []byte(msg.Payload))
	}
}

func (r *Redis) Subscribe(_ context.Context, topic Topic, sub Subscriber) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.hub.Add(topic, sub)
	return nil
}

func (r *Redis) Unsubscribe(_ context.Context, topic Topic, sub Subscriber) error {
	r.hub.Remove(topic, sub)
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.prefix+string(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.ps.Close()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			r.log.Warn("redis bus reader did not stop")
		}
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
