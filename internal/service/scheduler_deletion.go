package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// deletionScheduler планирует физическое удаление файлов.
// Проход выполняется только под блокировкой удаления; пока блокировку
// удерживает сопровождение, запросы не выбираются.
type deletionScheduler struct {
	jobBase
	locations Locations
	refs      repository.FileReferenceRepository
	requests  repository.DeletionRequestRepository
	cache     *CacheService
	lock      *DeletionLock
	logger    *slog.Logger
}

func newDeletionScheduler(base jobBase, deps SchedulerDeps, logger *slog.Logger) *deletionScheduler {
	return &deletionScheduler{
		jobBase:   base,
		locations: deps.Locations,
		refs:      deps.Store.References,
		requests:  deps.Store.DeletionRequests,
		cache:     deps.Cache,
		lock:      deps.Lock,
		logger:    logger.With(slog.String("component", "deletion_scheduler")),
	}
}

func deletionRequestID(r *model.DeletionRequest) int64 { return r.ID }

// sweep планирует запросы удаления всех хранилищ, включая отключённые.
func (s *deletionScheduler) sweep(ctx context.Context) (int, error) {
	release, ok, err := s.lock.try(ctx, "deletion-scheduler")
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Info("Запросы удаления не могут быть запланированы: блокировка удаления занята")
		return 0, nil
	}
	defer release()

	jobs := 0
	var errs []error
	for _, loc := range s.locations.All() {
		n, err := s.sweepLocation(ctx, loc)
		jobs += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return jobs, errors.Join(errs...)
}

func (s *deletionScheduler) sweepLocation(ctx context.Context, loc *driver.Location) (int, error) {
	jobs := 0
	for {
		slot, ok := s.pools.Reserve(loc.ID, loc.Workers)
		if !ok {
			return jobs, nil
		}
		rows, err := s.requests.SelectRunnable(ctx, loc.ID, s.bulkSize)
		if err != nil {
			slot.Release()
			return jobs, err
		}
		if len(rows) == 0 {
			slot.Release()
			return jobs, nil
		}
		ids, err := s.requests.ClaimRunning(ctx, rowIDs(rows, deletionRequestID))
		if err != nil {
			slot.Release()
			return jobs, err
		}
		batch := claimedRows(rows, ids, deletionRequestID)
		if len(batch) == 0 {
			slot.Release()
			return jobs, nil
		}

		for _, r := range batch {
			s.sessions.Running(ctx, r.SessionOwner, r.Session, 1)
		}
		schedulerJobsTotal.WithLabelValues(string(model.RequestDeletion)).Inc()
		slot.Go(func(ctx context.Context) {
			for _, r := range batch {
				s.run(ctx, loc, r)
			}
		})
		jobs++

		if len(rows) < s.bulkSize {
			return jobs, nil
		}
	}
}

// run выполняет один запрос удаления.
func (s *deletionScheduler) run(ctx context.Context, loc *driver.Location, r *model.DeletionRequest) {
	ref, err := s.refs.GetByID(ctx, r.FileRefID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Ссылки уже нет: удалять нечего.
			s.finish(ctx, r)
			return
		}
		s.fail(ctx, r, err)
		return
	}
	if len(ref.Owners) > 0 {
		s.logger.Info("Удаление пропущено: у файла появился владелец",
			slog.String("checksum", r.Checksum),
			slog.String("storage_id", r.StorageID),
		)
		s.finish(ctx, r)
		return
	}

	err = loc.Driver.Delete(ctx, ref.PhysicalURI)
	ctx = context.WithoutCancel(ctx)
	schedulerRequestsTotal.WithLabelValues(string(model.RequestDeletion), outcomeLabel(err)).Inc()
	if err != nil {
		if !r.Force {
			s.fail(ctx, r, err)
			return
		}
		s.events.File(ctx, model.FileEvent{
			Type:      model.EventDeletionError,
			Checksum:  r.Checksum,
			StorageID: r.StorageID,
			Owner:     r.Owner,
			GroupIDs:  groupIDs(r.GroupID),
			Message:   err.Error(),
		})
		s.logger.Warn("Ошибка физического удаления проигнорирована (force)",
			slog.String("checksum", r.Checksum),
			slog.String("storage_id", r.StorageID),
			slog.String("error", err.Error()),
		)
	}
	s.complete(ctx, r, ref)
}

// complete удаляет запрос и ссылку после удаления физической копии.
func (s *deletionScheduler) complete(ctx context.Context, r *model.DeletionRequest, ref *model.FileReference) {
	s.deleteRow(ctx, r)
	deleted, err := s.refs.DeleteIfOrphan(ctx, ref.ID)
	if err != nil {
		s.logger.Error("Не удалось удалить ссылку",
			slog.Int64("file_ref_id", ref.ID),
			slog.String("error", err.Error()),
		)
	}
	if !deleted {
		s.logger.Warn("Ссылка не удалена: у файла есть владельцы",
			slog.String("checksum", r.Checksum),
			slog.String("storage_id", r.StorageID),
		)
	}
	s.dropCache(ctx, r.Checksum)

	s.events.File(ctx, model.FileEvent{
		Type:      model.EventFullyDeleted,
		Checksum:  r.Checksum,
		StorageID: r.StorageID,
		Owner:     r.Owner,
		GroupIDs:  groupIDs(r.GroupID),
	})
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Notify(ctx, r.SessionOwner, r.Session, model.MetricDeletedFiles, 1)
	recordLogged(s.logger, s.groups.RecordSuccess(ctx, r.GroupID, r.Item()), r.GroupID)

	s.logger.Info("Файл удалён",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
	)
}

// finish завершает запрос без физического удаления.
func (s *deletionScheduler) finish(ctx context.Context, r *model.DeletionRequest) {
	s.deleteRow(ctx, r)
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	recordLogged(s.logger, s.groups.RecordSuccess(ctx, r.GroupID, r.Item()), r.GroupID)
}

func (s *deletionScheduler) deleteRow(ctx context.Context, r *model.DeletionRequest) {
	if err := s.requests.Delete(ctx, r.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Не удалось удалить выполненный запрос удаления",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

// dropCache удаляет файл из кэша, если других копий файла не осталось.
func (s *deletionScheduler) dropCache(ctx context.Context, checksum string) {
	remaining, err := s.refs.ListByChecksum(ctx, checksum)
	if err != nil || len(remaining) > 0 {
		return
	}
	if err := s.cache.Remove(ctx, checksum); err != nil {
		s.logger.Warn("Не удалось удалить файл из кэша",
			slog.String("checksum", checksum),
			slog.String("error", err.Error()),
		)
	}
}

// fail переводит запрос в ERROR и публикует ошибку.
func (s *deletionScheduler) fail(ctx context.Context, r *model.DeletionRequest, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if _, err := s.requests.MarkError(ctx, r.ID, msg); err != nil {
		s.logger.Error("Не удалось отметить ошибку запроса удаления",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	s.failed(ctx, r, msg)
}

// recoverStale переводит в ERROR запросы, зависшие в RUNNING дольше before.
func (s *deletionScheduler) recoverStale(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.requests.FailStale(ctx, before, causeJobLost)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		s.failed(ctx, r, causeJobLost)
	}
	return len(rows), nil
}

// failed публикует ошибку запроса, уже переведённого в ERROR.
func (s *deletionScheduler) failed(ctx context.Context, r *model.DeletionRequest, msg string) {
	s.events.File(ctx, model.FileEvent{
		Type:      model.EventDeletionError,
		Checksum:  r.Checksum,
		StorageID: r.StorageID,
		Owner:     r.Owner,
		GroupIDs:  groupIDs(r.GroupID),
		Message:   msg,
	})
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Errors(ctx, r.SessionOwner, r.Session, 1)
	recordLogged(s.logger, s.groups.RecordError(ctx, r.GroupID, r.Item(), msg), r.GroupID)

	s.logger.Warn("Ошибка удаления файла",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.String("error", msg),
	)
}
