// services/locks.go
package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalLocker is a VideoLocker for a single process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uuid.UUID]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, videoID uuid.UUID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[videoID]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[videoID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(videoID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(videoID, lk)
		})
	}, nil
}

func (l *LocalLocker) release(videoID uuid.UUID, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, videoID)
	}
}
