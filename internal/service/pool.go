package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// WorkerPools — ограниченные пулы заданий, по одному на хранилище.
// Размер пула — число workers хранилища; задания выполняются в фоне
// на базовом контексте пулов, а не на контексте прохода планировщика.
// Контекст задания истекает через jobTimeout после запуска.
type WorkerPools struct {
	ctx        context.Context
	jobTimeout time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	pools map[string]*workerPool
	wg    sync.WaitGroup
}

type workerPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewWorkerPools создаёт набор пулов. ctx — базовый контекст заданий,
// jobTimeout — предельная длительность задания (0 — без ограничения).
func NewWorkerPools(ctx context.Context, jobTimeout time.Duration, logger *slog.Logger) *WorkerPools {
	return &WorkerPools{
		ctx:        ctx,
		jobTimeout: jobTimeout,
		logger:     logger.With(slog.String("component", "worker_pools")),
		pools:      make(map[string]*workerPool),
	}
}

// Slot — зарезервированное место в пуле хранилища.
// Используется ровно один раз: Go запускает задание, Release возвращает место.
type Slot struct {
	pools *WorkerPools
	pool  *workerPool
	once  sync.Once
}

// Reserve резервирует место в пуле хранилища без ожидания.
// При изменении размера пул пересоздаётся; уже запущенные задания
// дорабатывают в старом пуле.
func (w *WorkerPools) Reserve(locationID string, size int) (*Slot, bool) {
	if size < 1 {
		size = 1
	}
	w.mu.Lock()
	p, ok := w.pools[locationID]
	if !ok || p.size != size {
		p = &workerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
		w.pools[locationID] = p
	}
	w.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return &Slot{pools: w, pool: p}, true
}

// Go запускает задание в зарезервированном месте.
func (s *Slot) Go(job func(ctx context.Context)) {
	s.pools.wg.Add(1)
	go func() {
		defer s.pools.wg.Done()
		defer s.Release()
		ctx := s.pools.ctx
		if s.pools.jobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.pools.jobTimeout)
			defer cancel()
		}
		job(ctx)
	}()
}

// Release возвращает место в пул. Повторные вызовы игнорируются.
func (s *Slot) Release() {
	s.once.Do(func() { s.pool.sem.Release(1) })
}

// Wait ждёт завершения всех запущенных заданий или отмены ctx.
func (w *WorkerPools) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("Не все задания завершились до таймаута")
		return ctx.Err()
	}
}
