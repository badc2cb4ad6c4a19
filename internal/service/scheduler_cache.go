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

// cacheScheduler планирует восстановление nearline-файлов во временный кэш.
// Захватываются только запросы, помещающиеся в свободный объём кэша
// с учётом уже выполняющихся восстановлений.
type cacheScheduler struct {
	jobBase
	locations Locations
	refs      repository.FileReferenceRepository
	requests  repository.CacheRequestRepository
	cache     *CacheService
	logger    *slog.Logger
}

func newCacheScheduler(base jobBase, deps SchedulerDeps, logger *slog.Logger) *cacheScheduler {
	return &cacheScheduler{
		jobBase:   base,
		locations: deps.Locations,
		refs:      deps.Store.References,
		requests:  deps.Store.CacheRequests,
		cache:     deps.Cache,
		logger:    logger.With(slog.String("component", "cache_scheduler")),
	}
}

func cacheRequestID(r *model.CacheRequest) int64 { return r.ID }

// sweep планирует запросы восстановления всех включённых хранилищ.
func (s *cacheScheduler) sweep(ctx context.Context) (int, error) {
	jobs := 0
	var errs []error
	for _, loc := range s.locations.Locations() {
		n, full, err := s.sweepLocation(ctx, loc)
		jobs += n
		if err != nil {
			errs = append(errs, err)
		}
		if full {
			break
		}
	}
	return jobs, errors.Join(errs...)
}

// sweepLocation возвращает full=true, если кэш заполнен и проход нужно прекратить.
func (s *cacheScheduler) sweepLocation(ctx context.Context, loc *driver.Location) (int, bool, error) {
	jobs := 0
	for {
		slot, ok := s.pools.Reserve(loc.ID, loc.Workers)
		if !ok {
			return jobs, false, nil
		}
		rows, err := s.requests.SelectRunnable(ctx, loc.ID, s.bulkSize)
		if err != nil {
			slot.Release()
			return jobs, false, err
		}
		if len(rows) == 0 {
			slot.Release()
			return jobs, false, nil
		}
		running, err := s.requests.RunningSize(ctx)
		if err != nil {
			slot.Release()
			return jobs, false, err
		}
		free, err := s.cache.Free(ctx, running)
		if err != nil {
			slot.Release()
			return jobs, false, err
		}

		fit := fitting(rows, free)
		if len(fit) == 0 {
			slot.Release()
			s.logger.Warn("Кэш заполнен: запросы восстановления ожидают освобождения места",
				slog.String("storage_id", loc.ID),
				slog.Int64("free", free),
				slog.Int("pending", len(rows)),
			)
			return jobs, true, nil
		}
		ids, err := s.requests.ClaimRunning(ctx, rowIDs(fit, cacheRequestID))
		if err != nil {
			slot.Release()
			return jobs, false, err
		}
		batch := claimedRows(fit, ids, cacheRequestID)
		if len(batch) == 0 {
			slot.Release()
			return jobs, false, nil
		}

		for _, r := range batch {
			s.sessions.Running(ctx, r.SessionOwner, r.Session, 1)
		}
		schedulerJobsTotal.WithLabelValues(string(model.RequestAvailability)).Inc()
		slot.Go(func(ctx context.Context) {
			for _, r := range batch {
				s.run(ctx, loc, r)
			}
		})
		jobs++

		if len(rows) < s.bulkSize || len(fit) < len(rows) {
			return jobs, false, nil
		}
	}
}

// fitting отбирает запросы, суммарный размер которых не превышает free.
func fitting(rows []*model.CacheRequest, free int64) []*model.CacheRequest {
	out := make([]*model.CacheRequest, 0, len(rows))
	var total int64
	for _, r := range rows {
		if total+r.Size > free {
			continue
		}
		total += r.Size
		out = append(out, r)
	}
	return out
}

// run восстанавливает файл в кэш.
func (s *cacheScheduler) run(ctx context.Context, loc *driver.Location, r *model.CacheRequest) {
	cached, err := s.restore(ctx, loc, r)
	ctx = context.WithoutCancel(ctx)
	schedulerRequestsTotal.WithLabelValues(string(model.RequestAvailability), outcomeLabel(err)).Inc()
	if err != nil {
		s.fail(ctx, r, err)
		return
	}

	// Группы, присоединённые во время восстановления, тоже получают результат.
	groups := s.currentGroups(ctx, r)
	if err := s.requests.Delete(ctx, r.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Не удалось удалить выполненный запрос восстановления",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	for _, groupID := range groups {
		s.events.File(ctx, model.FileEvent{
			Type:      model.EventAvailable,
			Checksum:  r.Checksum,
			StorageID: r.StorageID,
			GroupIDs:  groupIDs(groupID),
			Location:  cached.CachedURI,
		})
		recordLogged(s.logger, s.groups.RecordSuccess(ctx, groupID, r.Item()), groupID)
	}
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Notify(ctx, r.SessionOwner, r.Session, model.MetricRestoredFiles, 1)

	s.logger.Info("Файл восстановлен в кэш",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.Int("groups", len(groups)),
	)
}

func (s *cacheScheduler) restore(ctx context.Context, loc *driver.Location, r *model.CacheRequest) (*model.CacheFile, error) {
	ref, err := s.refs.GetByID(ctx, r.FileRefID)
	if err != nil {
		return nil, err
	}
	res, err := loc.Driver.Restore(ctx, driver.RestoreRequest{
		PhysicalURI: r.PhysicalURI,
		Checksum:    r.Checksum,
		Algorithm:   ref.Algorithm,
		CacheDir:    s.cache.Dir(),
	})
	if err != nil {
		return nil, err
	}

	expiration := r.Expiration
	if current, err := s.requests.GetByChecksum(ctx, r.Checksum); err == nil && current.Expiration.After(expiration) {
		expiration = current.Expiration
	}
	f := &model.CacheFile{
		Checksum:   r.Checksum,
		CachedURI:  res.CachedURI,
		Size:       res.Size,
		Expiration: expiration,
	}
	if err := s.cache.Add(ctx, f); err != nil {
		if rmErr := driver.RemoveCached(res.CachedURI); rmErr != nil {
			s.logger.Warn("Не удалось удалить файл кэша", slog.String("error", rmErr.Error()))
		}
		return nil, err
	}
	return f, nil
}

// currentGroups возвращает группы запроса с учётом присоединённых позже.
func (s *cacheScheduler) currentGroups(ctx context.Context, r *model.CacheRequest) []string {
	current, err := s.requests.GetByChecksum(ctx, r.Checksum)
	if err != nil {
		return r.GroupIDs
	}
	return current.GroupIDs
}

// fail переводит запрос в ERROR; ошибку получает каждая группа запроса.
func (s *cacheScheduler) fail(ctx context.Context, r *model.CacheRequest, cause error) {
	msg := cause.Error()
	if _, err := s.requests.MarkError(ctx, r.ID, msg); err != nil {
		s.logger.Error("Не удалось отметить ошибку запроса восстановления",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	s.failed(ctx, r, msg)
}

// recoverStale переводит в ERROR запросы, зависшие в RUNNING дольше before.
func (s *cacheScheduler) recoverStale(ctx context.Context, before time.Time) (int, error) {
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
func (s *cacheScheduler) failed(ctx context.Context, r *model.CacheRequest, msg string) {
	for _, groupID := range s.currentGroups(ctx, r) {
		s.events.File(ctx, model.FileEvent{
			Type:      model.EventAvailabilityError,
			Checksum:  r.Checksum,
			StorageID: r.StorageID,
			GroupIDs:  groupIDs(groupID),
			Message:   msg,
		})
		recordLogged(s.logger, s.groups.RecordError(ctx, groupID, r.Item(), msg), groupID)
	}
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Errors(ctx, r.SessionOwner, r.Session, 1)

	s.logger.Warn("Ошибка восстановления файла",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.String("error", msg),
	)
}
