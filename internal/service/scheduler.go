// scheduler.go — периодические проходы планировщиков журнала запросов.
//
// Один проход:
//  1. Переводит в ERROR запросы, зависшие в RUNNING (задание потеряно)
//  2. Завершает истёкшие группы запросов
//  3. Планирует запросы сохранения, удаления и восстановления по хранилищам
//  4. Удаляет из временного кэша файлы с истёкшим сроком хранения
//
// Задания выполняются в пулах хранилищ (WorkerPools), проход их не ждёт.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// SchedulerDeps — зависимости планировщиков.
type SchedulerDeps struct {
	Store      *repository.Store
	Locations  Locations
	Groups     *GroupTracker
	Sessions   *SessionNotifier
	Events     *Events
	References *References
	Cache      *CacheService
	InFlight   *locking.KeyedMutex
	Lock       *DeletionLock
	Pools      *WorkerPools
}

// SchedulerSettings — параметры планировщиков.
type SchedulerSettings struct {
	// Interval — период проходов
	Interval time.Duration
	// BulkSize — максимум запросов, выбираемых за одну выборку
	BulkSize int
	// StoreDelayBase / StoreDelayMax — границы экспоненциальной отсрочки
	StoreDelayBase time.Duration
	StoreDelayMax  time.Duration
	// PurgeBulk — максимум файлов кэша, удаляемых за проход
	PurgeBulk int
	// JobTimeout — предельная длительность задания в пуле (0 — зависшие
	// запросы не восстанавливаются)
	JobTimeout time.Duration
}

// staleGrace — запас сверх JobTimeout на запись исхода задания.
const staleGrace = time.Minute

// SweepResult — результат одного прохода.
type SweepResult struct {
	StaleRequests int           `json:"stale_requests"`
	StorageJobs   int           `json:"storage_jobs"`
	DeletionJobs  int           `json:"deletion_jobs"`
	CacheJobs     int           `json:"cache_jobs"`
	ExpiredGroups int           `json:"expired_groups"`
	PurgedFiles   int           `json:"purged_files"`
	Duration      time.Duration `json:"-"`
}

// Scheduler — фоновый процесс проходов планировщиков.
type Scheduler struct {
	storage   *storageScheduler
	deletion  *deletionScheduler
	cache     *cacheScheduler
	groups    *GroupTracker
	cacheSvc  *CacheService
	bulkSize  int
	purgeBulk int
	interval  time.Duration
	// staleAfter — через сколько после захвата запрос RUNNING считается зависшим
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создаёт планировщики.
func NewScheduler(deps SchedulerDeps, settings SchedulerSettings, logger *slog.Logger) *Scheduler {
	if settings.BulkSize < 1 {
		settings.BulkSize = 1
	}
	base := jobBase{
		groups:   deps.Groups,
		sessions: deps.Sessions,
		events:   deps.Events,
		pools:    deps.Pools,
		bulkSize: settings.BulkSize,
		now:      time.Now,
	}
	var staleAfter time.Duration
	if settings.JobTimeout > 0 {
		staleAfter = settings.JobTimeout + staleGrace
	}
	return &Scheduler{
		storage:    newStorageScheduler(base, deps, settings.StoreDelayBase, settings.StoreDelayMax, logger),
		deletion:   newDeletionScheduler(base, deps, logger),
		cache:      newCacheScheduler(base, deps, logger),
		groups:     deps.Groups,
		cacheSvc:   deps.Cache,
		bulkSize:   settings.BulkSize,
		purgeBulk:  settings.PurgeBulk,
		interval:   settings.Interval,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Start запускает фоновую горутину проходов с периодическим тикером.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	s.logger.Info("Планировщики запущены",
		slog.String("interval", s.interval.String()),
		slog.Int("bulk_size", s.bulkSize),
	)
}

// Stop останавливает проходы и ждёт завершения текущего прохода.
// Уже запущенные задания дорабатывают в пулах.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Планировщики остановлены")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Запросы, оставшиеся в RUNNING после аварийной остановки.
	if _, err := s.RecoverStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Ошибка восстановления зависших запросов", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSchedulerBusy) && ctx.Err() == nil {
				s.logger.Error("Ошибка прохода планировщиков", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет один проход. ErrSchedulerBusy — проход уже выполняется.
// Ошибка одного планировщика не останавливает остальные.
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSchedulerBusy
	}
	defer s.mu.Unlock()

	start := time.Now()
	res := &SweepResult{}
	var errs []error

	var err error
	if res.StaleRequests, err = s.RecoverStale(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.ExpiredGroups, err = s.groups.ExpireGroups(ctx, s.bulkSize); err != nil {
		errs = append(errs, err)
	}
	if res.StorageJobs, err = s.storage.sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.DeletionJobs, err = s.deletion.sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.CacheJobs, err = s.cache.sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.purgeBulk > 0 {
		if res.PurgedFiles, err = s.cacheSvc.Purge(ctx, s.purgeBulk); err != nil {
			errs = append(errs, err)
		}
	}

	res.Duration = time.Since(start)
	schedulerSweepDuration.Observe(res.Duration.Seconds())

	if res.StorageJobs+res.DeletionJobs+res.CacheJobs > 0 {
		s.logger.Debug("Проход планировщиков завершён",
			slog.Int("storage_jobs", res.StorageJobs),
			slog.Int("deletion_jobs", res.DeletionJobs),
			slog.Int("cache_jobs", res.CacheJobs),
			slog.Duration("duration", res.Duration),
		)
	}
	return res, errors.Join(errs...)
}

// RecoverStale переводит в ERROR запросы, остающиеся в RUNNING дольше
// таймаута задания: задание потеряно при остановке экземпляра.
// Группы и сессии получают ошибку, запросы можно повторить через Retry.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	before := s.now().Add(-s.staleAfter)
	total := 0
	var errs []error
	for _, recover := range []func(context.Context, time.Time) (int, error){
		s.storage.recoverStale,
		s.deletion.recoverStale,
		s.cache.recoverStale,
	} {
		n, err := recover(ctx, before)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if total > 0 {
		s.logger.Warn("Зависшие запросы переведены в ERROR",
			slog.Int("requests", total),
			slog.Duration("stale_after", s.staleAfter),
		)
	}
	return total, errors.Join(errs...)
}

// jobBase — общие части планировщиков.
type jobBase struct {
	groups   *GroupTracker
	sessions *SessionNotifier
	events   *Events
	pools    *WorkerPools
	bulkSize int
	now      func() time.Time
}

// claimedRows оставляет строки, реально захваченные ClaimRunning.
func claimedRows[T any](rows []T, ids []int64, idOf func(T) int64) []T {
	claimed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		claimed[id] = struct{}{}
	}
	out := make([]T, 0, len(ids))
	for _, r := range rows {
		if _, ok := claimed[idOf(r)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// rowIDs возвращает идентификаторы строк.
func rowIDs[T any](rows []T, idOf func(T) int64) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = idOf(r)
	}
	return ids
}

// recordLogged учитывает результат группы из фонового задания:
// ошибка только логируется, задание уже завершено.
func recordLogged(logger *slog.Logger, err error, groupID string) {
	if err != nil {
		logger.Error("Ошибка учёта результата группы",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
