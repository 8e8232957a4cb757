package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/logger"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL    string
	Name   string
	Prefix string
	// FlushTimeout bounds how long Subscribe and Publish wait for the
	// server to confirm a subscription or a published payload.
	FlushTimeout time.Duration
}

var errBadSubject = errors.New("topic is not a valid nats subject")

// NATS keeps one core-nats subscription per topic with local subscribers and
// drops it when the last one leaves.
type NATS struct {
	nc     *nats.Conn
	prefix string
	flush  time.Duration
	hub    *Hub
	log    *slog.Logger

	mu     sync.Mutex
	topics map[Topic]*natsTopic
	closed bool
}

// natsTopic is the subject subscription shared by a topic's local
// subscribers. ready is closed once the server confirmed it or err is set.
type natsTopic struct {
	sub   *nats.Subscription
	ready chan struct{}
	err   error
}

func NewNATS(cfg NATSConfig, log *slog.Logger) (*NATS, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "chat-service"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSWithConn(nc, cfg, log), nil
}

// NewNATSWithConn takes ownership of nc; Close closes it.
func NewNATSWithConn(nc *nats.Conn, cfg NATSConfig, log *slog.Logger) *NATS {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &NATS{
		nc:     nc,
		prefix: cfg.Prefix,
		flush:  cfg.FlushTimeout,
		hub:    NewHub(log),
		log:    log,
		topics: make(map[Topic]*natsTopic),
	}
}

func (n *NATS) subject(topic Topic) (string, error) {
	s := n.prefix + string(topic)
	if strings.ContainsAny(s, " \t\r\n*>") || strings.Contains(s, "..") || strings.HasSuffix(s, ".") {
		return "", fmt.Errorf("%w: %q", errBadSubject, s)
	}
	return s, nil
}

// Subscribe waits for the server to confirm the subject subscription, so a
// publish from any process after it returns reaches sub. n.mu is not held
// during that round trip.
func (n *NATS) Subscribe(ctx context.Context, topic Topic, sub Subscriber) error {
	subject, err := n.subject(topic)
	if err != nil {
		return err
	}

	for {
		nt, first, err := n.topic(topic)
		if err != nil {
			return err
		}
		if first {
			n.open(ctx, subject, topic, nt)
		} else {
			select {
			case <-nt.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if nt.err != nil {
			return fmt.Errorf("nats subscribe %s: %w", subject, nt.err)
		}

		joined, err := n.join(topic, nt, sub)
		if err != nil || joined {
			return err
		}
		// torn down by the last unsubscribe in between; start over
	}
}

// topic returns the topic's subscription entry and whether the caller
// created it and must open it.
func (n *NATS) topic(topic Topic) (*natsTopic, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, false, ErrClosed
	}
	if nt, ok := n.topics[topic]; ok {
		return nt, false, nil
	}
	nt := &natsTopic{ready: make(chan struct{})}
	n.topics[topic] = nt
	return nt, true, nil
}

func (n *NATS) open(ctx context.Context, subject string, topic Topic, nt *natsTopic) {
	s, err := n.nc.Subscribe(subject, func(m *nats.Msg) {
		n.hub.Broadcast(topic, m.Data)
	})
	if err == nil {
		err = n.nc.FlushTimeout(n.flushTimeout(ctx))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		if s != nil {
			_ = s.Unsubscribe()
		}
		nt.err = err
		if n.topics[topic] == nt {
			delete(n.topics, topic)
		}
	} else {
		nt.sub = s
	}
	close(nt.ready)
}

// join registers sub if nt is still the topic's live subscription.
func (n *NATS) join(topic Topic, nt *natsTopic, sub Subscriber) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false, ErrClosed
	}
	if n.topics[topic] != nt {
		return false, nil
	}
	n.hub.Add(topic, sub)
	return true, nil
}

func (n *NATS) flushTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < n.flush {
			return left
		}
	}
	return n.flush
}

func (n *NATS) Unsubscribe(_ context.Context, topic Topic, sub Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.hub.Remove(topic, sub) {
		return nil
	}
	nt, ok := n.topics[topic]
	if !ok || nt.sub == nil {
		return nil
	}
	delete(n.topics, topic)
	if err := nt.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish returns once the server has the payload. Callers publish under the
// chat lock, so a buffered write could otherwise be overtaken by the next
// holder's publish from another process.
func (n *NATS) Publish(ctx context.Context, topic Topic, payload []byte) error {
	subject, err := n.subject(topic)
	if err != nil {
		return err
	}
	err = n.nc.Publish(subject, payload)
	if err == nil {
		err = n.nc.FlushTimeout(n.flushTimeout(ctx))
	}
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Ping(context.Context) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}
	if !n.nc.IsConnected() {
		return fmt.Errorf("nats status %s", n.nc.Status())
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	n.topics = make(map[Topic]*natsTopic)
	n.nc.Close()
	return nil
}
