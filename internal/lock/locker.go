/**
 * @description
 * Keyed mutual exclusion used to serialize lifecycle transitions per benefit record and
 * ledger writes per beneficiary. MemoryLocker serves a single instance; RedisLocker
 * (redis.go) serves deployments running several replicas.
 */
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired is returned when the context ends before the lock is obtained.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires a named lock. The returned release function is safe to call more
// than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// BenefitKey is the lock guarding one (beneficiary, service) record.
func BenefitKey(beneficiaryID, serviceID fmt.Stringer) string {
	return "benefit:" + beneficiaryID.String() + ":" + serviceID.String()
}

// LedgerKey is the lock guarding the code and fund of one beneficiary.
func LedgerKey(beneficiaryID fmt.Stringer) string {
	return "ledger:" + beneficiaryID.String()
}

type slot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is an in-process Locker. Slots are dropped once nobody holds or waits
// for them.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *MemoryLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
