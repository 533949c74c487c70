package dlock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Mutex backed by a channel semaphore.
type Memory struct {
	sem chan struct{}
}

func NewMemory() *Memory {
	return &Memory{sem: make(chan struct{}, 1)}
}

func (m *Memory) TryLock(context.Context) (bool, error) {
	select {
	case m.sem <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (m *Memory) Lock(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case m.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Unlock(context.Context) error {
	select {
	case <-m.sem:
		return nil
	default:
		return ErrNotLocked
	}
}

// KeyedMemory is an in-process KeyedMutex. Mutexes are created on first use
// and kept for the life of the KeyedMemory; the expected key space is the
// small, stable set of relay identifiers.
type KeyedMemory struct {
	mu      sync.Mutex
	mutexes map[string]*Memory
}

func NewKeyedMemory() *KeyedMemory {
	return &KeyedMemory{mutexes: make(map[string]*Memory)}
}

func (k *KeyedMemory) forKey(key string) *Memory {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.mutexes[key]
	if !ok {
		m = NewMemory()
		k.mutexes[key] = m
	}
	return m
}

func (k *KeyedMemory) TryLock(ctx context.Context, key string) (bool, error) {
	return k.forKey(key).TryLock(ctx)
}

func (k *KeyedMemory) Lock(ctx context.Context, key string, timeout time.Duration) error {
	return k.forKey(key).Lock(ctx, timeout)
}

func (k *KeyedMemory) Unlock(ctx context.Context, key string) error {
	return k.forKey(key).Unlock(ctx)
}
