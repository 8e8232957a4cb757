package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason tells the transport which close status to send.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseGoingAway
	ClosePolicyViolation
	CloseInternalError
	CloseTryAgainLater
)

// Session is one client connection bound to one user and one chat. It is a
// bus.Subscriber: delivered payloads are queued for the writer goroutine.
type Session struct {
	ID     string
	UserID domain.UserID
	ChatID domain.ChatID

	topic bus.Topic
	state atomic.Int32
	out   chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	reason      CloseReason
	releaseOnce sync.Once
}

func newSession(userID domain.UserID, chatID domain.ChatID, queue int) *Session {
	if queue <= 0 {
		queue = 1
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		ChatID: chatID,
		topic:  bus.TopicFor(chatID),
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound yields queued payloads; the writer drains it.
func (s *Session) Outbound() <-chan []byte { return s.out }

// CloseReason is meaningful after Done is closed.
func (s *Session) CloseReason() CloseReason {
	<-s.done
	return s.reason
}

// Deliver never blocks. A session that cannot keep up is closed rather
// than silently skipping messages.
func (s *Session) Deliver(payload []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- payload:
		return nil
	default:
		s.close(CloseTryAgainLater)
		return ErrSlowConsumer
	}
}

func (s *Session) subscribed() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateSubscribed))
}

// close moves the session to StateClosed. Only the first reason sticks.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
