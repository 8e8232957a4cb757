package memory

import (
	"context"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/domain"
)

// ChatLocker is a keyed mutex for single-process deployments.
type ChatLocker struct {
	mu    sync.Mutex
	locks map[domain.ChatID]*chatLock
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

func NewChatLocker() *ChatLocker {
	return &ChatLocker{locks: make(map[domain.ChatID]*chatLock)}
}

func (l *ChatLocker) Lock(ctx context.Context, chatID domain.ChatID) (context.Context, func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{sem: make(chan struct{}, 1)}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, cl)
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			<-cl.sem
			l.release(chatID, cl)
		})
	}, nil
}

func (l *ChatLocker) release(chatID domain.ChatID, cl *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, chatID)
	}
}
