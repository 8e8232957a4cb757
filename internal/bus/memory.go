package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Memory delivers within the current process only.
type Memory struct {
	hub    *Hub
	closed atomic.Bool
}

func NewMemory(log *slog.Logger) *Memory {
	return &Memory{hub: NewHub(log)}
}

func (m *Memory) Subscribe(_ context.Context, topic Topic, sub Subscriber) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.hub.Add(topic, sub)
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, topic Topic, sub Subscriber) error {
	m.hub.Remove(topic, sub)
	return nil
}

func (m *Memory) Publish(_ context.Context, topic Topic, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.hub.Broadcast(topic, payload)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// Subscribers returns the number of local subscribers of topic.
func (m *Memory) Subscribers(topic Topic) int {
	return m.hub.Subscribers(topic)
}
