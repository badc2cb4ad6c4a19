package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
)

// deletionLockName — имя блокировки удаления.
const deletionLockName = "deletion"

// lockPoll — интервал опроса при ожидании блокировки.
const lockPoll = 200 * time.Millisecond

// LockState — состояние блокировки удаления.
type LockState struct {
	Held      bool          `json:"held"`
	Holder    string        `json:"holder,omitempty"`
	Remaining time.Duration `json:"-"`
	TTL       float64       `json:"ttl_seconds,omitempty"`
}

// DeletionLock — блокировка, сериализующая удаление файлов.
// Поток удаления ждёт её при обработке пакета, планировщик удаления
// пропускает проход, если она занята. Сопровождение удерживает её через Hold.
type DeletionLock struct {
	locker         locking.Locker
	instance       string
	ttl            time.Duration
	wait           time.Duration
	maintenanceTTL time.Duration
	logger         *slog.Logger
}

// NewDeletionLock создаёт блокировку удаления.
// instance — идентификатор экземпляра, из него строятся владельцы блокировки.
func NewDeletionLock(locker locking.Locker, instance string, ttl, wait, maintenanceTTL time.Duration, logger *slog.Logger) *DeletionLock {
	return &DeletionLock{
		locker:         locker,
		instance:       instance,
		ttl:            ttl,
		wait:           wait,
		maintenanceTTL: maintenanceTTL,
		logger:         logger.With(slog.String("component", "deletion_lock")),
	}
}

func (l *DeletionLock) holder(role string) string {
	return l.instance + "/" + role
}

// acquire ждёт блокировку не дольше настроенного времени.
func (l *DeletionLock) acquire(ctx context.Context, role string) (func(), error) {
	holder := l.holder(role)
	err := locking.Acquire(ctx, l.locker, deletionLockName, holder, l.ttl, l.wait, lockPoll)
	if err != nil {
		if errors.Is(err, locking.ErrTimeout) {
			return nil, fmt.Errorf("%w за %s", ErrLockTimeout, l.wait)
		}
		return nil, fmt.Errorf("захват блокировки удаления: %w", err)
	}
	return l.releaser(holder), nil
}

// try захватывает блокировку без ожидания.
func (l *DeletionLock) try(ctx context.Context, role string) (func(), bool, error) {
	holder := l.holder(role)
	ok, err := l.locker.TryAcquire(ctx, deletionLockName, holder, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return l.releaser(holder), true, nil
}

func (l *DeletionLock) releaser(holder string) func() {
	return func() {
		// Освобождение не должно зависеть от отменённого контекста вызывающего.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.locker.Release(ctx, deletionLockName, holder); err != nil {
			l.logger.Warn("Ошибка освобождения блокировки удаления",
				slog.String("holder", holder),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Hold удерживает блокировку от имени holder на ttl (0 — TTL по умолчанию).
// Повторный вызов тем же holder продлевает блокировку.
func (l *DeletionLock) Hold(ctx context.Context, holder string, ttl time.Duration) (LockState, error) {
	if holder == "" {
		return LockState{}, fmt.Errorf("%w: holder не задан", ErrValidation)
	}
	if ttl <= 0 {
		ttl = l.maintenanceTTL
	}
	ok, err := l.locker.TryAcquire(ctx, deletionLockName, holder, ttl)
	if err != nil {
		return LockState{}, fmt.Errorf("захват блокировки удаления: %w", err)
	}
	if !ok {
		return LockState{}, ErrLockBusy
	}
	l.logger.Info("Блокировка удаления удержана",
		slog.String("holder", holder),
		slog.Duration("ttl", ttl),
	)
	return l.State(ctx)
}

// Release освобождает блокировку, удерживаемую holder.
func (l *DeletionLock) Release(ctx context.Context, holder string) error {
	ok, err := l.locker.Release(ctx, deletionLockName, holder)
	if err != nil {
		return fmt.Errorf("освобождение блокировки удаления: %w", err)
	}
	if !ok {
		return ErrLockNotHeld
	}
	l.logger.Info("Блокировка удаления освобождена", slog.String("holder", holder))
	return nil
}

// State возвращает текущее состояние блокировки.
func (l *DeletionLock) State(ctx context.Context) (LockState, error) {
	holder, remaining, err := l.locker.Holder(ctx, deletionLockName)
	if err != nil {
		return LockState{}, fmt.Errorf("состояние блокировки удаления: %w", err)
	}
	if holder == "" {
		return LockState{}, nil
	}
	return LockState{
		Held:      true,
		Holder:    holder,
		Remaining: remaining,
		TTL:       remaining.Seconds(),
	}, nil
}
