// Пакет locking — именованные блокировки с владельцем и TTL
// и индекс выполняющихся операций по ключу.
package locking

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout — блокировку не удалось захватить за отведённое время.
	ErrTimeout = errors.New("превышено время ожидания блокировки")
	// ErrNotHeld — блокировка удерживается другим владельцем или свободна.
	ErrNotHeld = errors.New("блокировка не удерживается владельцем")
)

// Locker — хранилище именованных блокировок.
// Блокировка принадлежит holder и освобождается явно или по истечении TTL.
type Locker interface {
	// TryAcquire захватывает блокировку без ожидания.
	// Повторный захват тем же holder продлевает TTL.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// Release освобождает блокировку, если она принадлежит holder.
	Release(ctx context.Context, name, holder string) (bool, error)
	// Holder возвращает текущего владельца и оставшееся время ("" — свободна).
	Holder(ctx context.Context, name string) (string, time.Duration, error)
}

// Acquire ждёт блокировку не дольше wait, опрашивая Locker с интервалом poll.
func Acquire(ctx context.Context, l Locker, name, holder string, ttl, wait, poll time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx, name, holder, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(poll, time.Until(deadline))):
		}
	}
}

// MemoryLocker — Locker в памяти процесса для одного экземпляра сервиса.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	holder  string
	expires time.Time
}

// NewMemoryLocker создаёт MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[name]; ok && cur.expires.After(now) && cur.holder != holder {
		return false, nil
	}
	m.locks[name] = memoryLock{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, name, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[name]
	if !ok || cur.holder != holder || !cur.expires.After(m.now()) {
		return false, nil
	}
	delete(m.locks, name)
	return true, nil
}

func (m *MemoryLocker) Holder(_ context.Context, name string) (string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[name]
	now := m.now()
	if !ok || !cur.expires.After(now) {
		return "", 0, nil
	}
	return cur.holder, cur.expires.Sub(now), nil
}

// KeyedMutex — мьютексы по строковому ключу, создаются по требованию
// и удаляются, когда их никто не удерживает и не ждёт.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex создаёт пустой KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len возвращает число ключей с активными мьютексами.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
