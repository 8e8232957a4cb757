// Package bus fans chat messages out to every subscribed session, in this
// process and, with the redis or nats backends, in every other process of
// the deployment.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// Topic names one chat's broadcast group. Use TopicFor to build it.
type Topic string

const topicPrefix = "chat."

// TopicFor maps a chat to its topic. The mapping is injective.
func TopicFor(chatID domain.ChatID) Topic {
	return Topic(topicPrefix + string(chatID))
}

// Subscriber receives published payloads. Deliver must not block and must
// not modify payload, which is shared between subscribers.
type Subscriber interface {
	Deliver(payload []byte) error
}

type Bus interface {
	// Subscribe returns once the subscriber will see every later Publish on
	// the topic.
	Subscribe(ctx context.Context, topic Topic, sub Subscriber) error
	// Unsubscribe is idempotent.
	Unsubscribe(ctx context.Context, topic Topic, sub Subscriber) error
	Publish(ctx context.Context, topic Topic, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}

var ErrClosed = errors.New("bus closed")

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

type Config struct {
	Driver string
	// ChannelPrefix namespaces redis channels and nats subjects so several
	// deployments can share one broker.
	ChannelPrefix string
	Redis         RedisConfig
	NATS          NATSConfig
}

// New builds the backend selected by cfg.Driver.
func New(ctx context.Context, cfg Config, log *slog.Logger) (Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(log), nil
	case DriverRedis:
		cfg.Redis.Prefix = cfg.ChannelPrefix
		return NewRedis(ctx, cfg.Redis, log)
	case DriverNATS:
		cfg.NATS.Prefix = cfg.ChannelPrefix
		return NewNATS(cfg.NATS, log)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
