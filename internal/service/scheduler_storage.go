package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// storageScheduler планирует запросы сохранения.
// За проход на ключ (checksum, storage) запускается не больше одного запроса,
// и ни один запрос не запускается, пока выполняется другой на тот же файл.
type storageScheduler struct {
	jobBase
	locations  Locations
	references *References
	requests   repository.StorageRequestRepository
	deletion   repository.DeletionRequestRepository
	inFlight   *locking.KeyedMutex
	delayBase  time.Duration
	delayMax   time.Duration
	logger     *slog.Logger
}

func newStorageScheduler(base jobBase, deps SchedulerDeps, delayBase, delayMax time.Duration, logger *slog.Logger) *storageScheduler {
	return &storageScheduler{
		jobBase:    base,
		locations:  deps.Locations,
		references: deps.References,
		requests:   deps.Store.StorageRequests,
		deletion:   deps.Store.DeletionRequests,
		inFlight:   deps.InFlight,
		delayBase:  delayBase,
		delayMax:   delayMax,
		logger:     logger.With(slog.String("component", "storage_scheduler")),
	}
}

func storageRequestID(r *model.StorageRequest) int64 { return r.ID }

// sweep планирует запросы всех включённых хранилищ и возвращает число заданий.
func (s *storageScheduler) sweep(ctx context.Context) (int, error) {
	jobs := 0
	var errs []error
	for _, loc := range s.locations.Locations() {
		n, err := s.sweepLocation(ctx, loc)
		jobs += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return jobs, errors.Join(errs...)
}

func (s *storageScheduler) sweepLocation(ctx context.Context, loc *driver.Location) (int, error) {
	seen := make(map[string]struct{})
	jobs := 0
	for {
		slot, ok := s.pools.Reserve(loc.ID, loc.Workers)
		if !ok {
			return jobs, nil
		}
		rows, err := s.requests.SelectRunnable(ctx, loc.ID, s.now(), s.bulkSize)
		if err != nil {
			slot.Release()
			return jobs, err
		}
		batch, err := s.runnable(ctx, rows, seen)
		if err != nil {
			slot.Release()
			return jobs, err
		}
		if len(batch) == 0 {
			slot.Release()
			return jobs, nil
		}
		ids, err := s.requests.ClaimRunning(ctx, rowIDs(batch, storageRequestID))
		if err != nil {
			slot.Release()
			return jobs, err
		}
		batch = claimedRows(batch, ids, storageRequestID)
		if len(batch) == 0 {
			slot.Release()
			return jobs, nil
		}

		for _, r := range batch {
			s.sessions.Running(ctx, r.SessionOwner, r.Session, 1)
		}
		schedulerJobsTotal.WithLabelValues(string(model.RequestStorage)).Inc()
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

// runnable отбирает запросы для запуска: по одному на ключ. Запрос, которому
// нужно ждать другого запроса на тот же файл, откладывается с экспоненциальной
// задержкой; проверяются и отложенные, и переоткрытые повтором запросы.
func (s *storageScheduler) runnable(ctx context.Context, rows []*model.StorageRequest, seen map[string]struct{}) ([]*model.StorageRequest, error) {
	out := make([]*model.StorageRequest, 0, len(rows))
	for _, r := range rows {
		key := r.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		wait, err := s.mustWait(ctx, r)
		if err != nil {
			return nil, err
		}
		if wait {
			if err := s.postpone(ctx, r); err != nil {
				return nil, err
			}
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// mustWait проверяет, выполняется ли другой запрос на тот же файл.
// Любой запрос ждёт выполняющийся запрос сохранения и выполняющееся удаление
// ссылки; отложенный запрос ждёт ещё и неотложенный запрос TO_DO.
// Два неотложенных запроса друг друга не ждут: за проход запускается один.
func (s *storageScheduler) mustWait(ctx context.Context, r *model.StorageRequest) (bool, error) {
	siblings, err := s.requests.ListInFlight(ctx, r.Checksum, r.StorageID)
	if err != nil {
		return false, err
	}
	for _, o := range siblings {
		if o.ID == r.ID {
			continue
		}
		if o.Status == model.StatusRunning || (r.Delayed() && !o.Delayed()) {
			return true, nil
		}
	}

	ref, err := s.references.Find(ctx, r.StorageID, r.Checksum)
	if err != nil || ref == nil {
		return false, err
	}
	del, err := s.deletion.GetByFileRef(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return del.Status == model.StatusRunning, nil
}

func (s *storageScheduler) postpone(ctx context.Context, r *model.StorageRequest) error {
	until := s.now().Add(s.backoff(r.Postponed))
	if err := s.requests.Postpone(ctx, r.ID, until); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.logger.Debug("Запрос сохранения отложен",
		slog.Int64("id", r.ID),
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.Time("until", until),
	)
	return nil
}

// backoff возвращает задержку base * 2^n, ограниченную delayMax.
func (s *storageScheduler) backoff(n int) time.Duration {
	d := s.delayBase
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < n; i++ {
		if s.delayMax > 0 && d >= s.delayMax {
			break
		}
		d *= 2
	}
	if s.delayMax > 0 && d > s.delayMax {
		d = s.delayMax
	}
	return d
}

// run выполняет один запрос сохранения.
func (s *storageScheduler) run(ctx context.Context, loc *driver.Location, r *model.StorageRequest) {
	ref, err := s.store(ctx, loc, r)
	// Исход записывается и после истечения контекста задания.
	ctx = context.WithoutCancel(ctx)
	schedulerRequestsTotal.WithLabelValues(string(model.RequestStorage), outcomeLabel(err)).Inc()
	if err != nil {
		s.fail(ctx, r, err)
		return
	}

	if err := s.requests.Delete(ctx, r.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Не удалось удалить выполненный запрос сохранения",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	s.events.File(ctx, model.FileEvent{
		Type:      model.EventStored,
		Checksum:  r.Checksum,
		StorageID: r.StorageID,
		Owner:     r.Owner,
		GroupIDs:  groupIDs(r.GroupID),
		Location:  ref.PhysicalURI,
	})
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Notify(ctx, r.SessionOwner, r.Session, model.MetricStoredFiles, 1)
	recordLogged(s.logger, s.groups.RecordSuccess(ctx, r.GroupID, r.Item()), r.GroupID)

	s.logger.Info("Файл сохранён",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.String("owner", r.Owner),
	)
}

// store сохраняет файл или присоединяет владельца к уже сохранённой копии.
// Драйвер вызывается без блокировки ключа; ссылка создаётся под ней.
func (s *storageScheduler) store(ctx context.Context, loc *driver.Location, r *model.StorageRequest) (*model.FileReference, error) {
	existing, err := s.references.Find(ctx, r.StorageID, r.Checksum)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		ref, _, _, err := s.references.Attach(ctx, existing, r.Owner)
		return ref, err
	}

	res, err := loc.Driver.Store(ctx, driver.StoreRequest{
		SourceURI: r.OriginURI,
		Checksum:  r.Checksum,
		Algorithm: r.Algorithm,
		Filename:  r.Filename,
		MimeType:  r.MimeType,
		Size:      r.Size,
		Owner:     r.Owner,
	})
	if err != nil {
		return nil, err
	}

	unlock := s.inFlight.Lock(r.Key())
	defer unlock()

	ref, created, _, err := s.references.Attach(ctx, &model.FileReference{
		StorageID:   r.StorageID,
		Checksum:    r.Checksum,
		Algorithm:   r.Algorithm,
		Filename:    r.Filename,
		Size:        res.Size,
		MimeType:    r.MimeType,
		Tier:        loc.TierOf(),
		PhysicalURI: res.PhysicalURI,
	}, r.Owner)
	if err != nil {
		s.dropCopy(ctx, loc, res.PhysicalURI)
		return nil, err
	}
	if !created && ref.PhysicalURI != res.PhysicalURI {
		// Файл сохранил параллельный запрос: лишняя копия не нужна.
		s.dropCopy(ctx, loc, res.PhysicalURI)
	}
	return ref, nil
}

func (s *storageScheduler) dropCopy(ctx context.Context, loc *driver.Location, physicalURI string) {
	if err := loc.Driver.Delete(ctx, physicalURI); err != nil {
		s.logger.Warn("Не удалось удалить лишнюю копию файла",
			slog.String("storage_id", loc.ID),
			slog.String("physical_uri", physicalURI),
			slog.String("error", err.Error()),
		)
	}
}

// fail переводит запрос в ERROR и публикует ошибку.
func (s *storageScheduler) fail(ctx context.Context, r *model.StorageRequest, cause error) {
	msg := cause.Error()
	if _, err := s.requests.MarkError(ctx, r.ID, msg); err != nil {
		s.logger.Error("Не удалось отметить ошибку запроса сохранения",
			slog.Int64("id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	s.failed(ctx, r, msg)
}

// recoverStale переводит в ERROR запросы, зависшие в RUNNING дольше before.
func (s *storageScheduler) recoverStale(ctx context.Context, before time.Time) (int, error) {
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
func (s *storageScheduler) failed(ctx context.Context, r *model.StorageRequest, msg string) {
	s.events.File(ctx, model.FileEvent{
		Type:      model.EventStoreError,
		Checksum:  r.Checksum,
		StorageID: r.StorageID,
		Owner:     r.Owner,
		GroupIDs:  groupIDs(r.GroupID),
		Message:   msg,
	})
	s.sessions.Running(ctx, r.SessionOwner, r.Session, -1)
	s.sessions.Errors(ctx, r.SessionOwner, r.Session, 1)
	recordLogged(s.logger, s.groups.RecordError(ctx, r.GroupID, r.Item(), msg), r.GroupID)

	s.logger.Warn("Ошибка сохранения файла",
		slog.String("checksum", r.Checksum),
		slog.String("storage_id", r.StorageID),
		slog.String("owner", r.Owner),
		slog.String("error", msg),
	)
}
