package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session write lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

type sessionLock struct {
	ch       chan struct{}
	acquired time.Time
}

// LockManager serializes transcript writers per session. One writer holds
// the lock at a time; normal appends and compaction rewrites both go
// through it, so their writes never interleave.
//
// Safe for concurrent use.
type LockManager struct {
	mu         sync.Mutex
	locks      map[string]*sessionLock
	defaultTTL time.Duration
}

// NewLockManager builds a lock manager. defaultTTL bounds how long Acquire
// waits for a held lock; zero means 30 seconds.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &LockManager{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
	}
}

func (m *LockManager) lockFor(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = l
	}
	return l
}

// Acquire takes the write lock for a session, waiting up to the manager's
// TTL. The returned release function is safe to call exactly once and must
// run on every exit path.
func (m *LockManager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l := m.lockFor(sessionID)

	timer := time.NewTimer(m.defaultTTL)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		l.acquired = time.Now()
		var once sync.Once
		release := func() {
			once.Do(func() { <-l.ch })
		}
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrLockTimeout
	}
}

// TryAcquire takes the lock without waiting. It reports false when another
// writer holds it.
func (m *LockManager) TryAcquire(sessionID string) (func(), bool) {
	l := m.lockFor(sessionID)
	select {
	case l.ch <- struct{}{}:
		l.acquired = time.Now()
		var once sync.Once
		return func() { once.Do(func() { <-l.ch }) }, true
	default:
		return nil, false
	}
}

// IsLocked reports whether a writer currently holds the session lock.
func (m *LockManager) IsLocked(sessionID string) bool {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	m.mu.Unlock()
	return ok && len(l.ch) > 0
}

// WithWriteLock runs fn while holding the session's write lock, releasing
// it on every exit path including panics.
func (m *LockManager) WithWriteLock(ctx context.Context, sessionID string, fn func() error) error {
	release, err := m.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
