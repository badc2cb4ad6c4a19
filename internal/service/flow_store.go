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

// StoreFlow — поток физического сохранения файлов.
// Файл, уже имеющийся в хранилище, получает нового владельца сразу;
// иначе создаётся запрос сохранения для планировщика.
type StoreFlow struct {
	flowBase
	locations  Locations
	references *References
	requests   repository.StorageRequestRepository
	inFlight   *locking.KeyedMutex
	delayBase  time.Duration
	logger     *slog.Logger
}

func newStoreFlow(base flowBase, deps FlowDeps, delayBase time.Duration, logger *slog.Logger) *StoreFlow {
	return &StoreFlow{
		flowBase:   base,
		locations:  deps.Locations,
		references: deps.References,
		requests:   deps.Store.StorageRequests,
		inFlight:   deps.InFlight,
		delayBase:  delayBase,
		logger:     logger.With(slog.String("component", "store_flow")),
	}
}

// Handle обрабатывает пакет запросов на сохранение.
func (f *StoreFlow) Handle(ctx context.Context, batch model.StoreBatch) error {
	for _, item := range batch.Items {
		sessions := f.fileSessions(ctx, item.Files)
		ok, err := f.admit(ctx, model.RequestStorage, item.GroupID, fileItems(item.Files), sessions)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for i, fr := range item.Files {
			if err := f.handleFile(ctx, item.GroupID, fr, sessions[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *StoreFlow) handleFile(ctx context.Context, groupID string, fr model.FileRequest, s sessionRef) error {
	if fr.Checksum == "" || fr.Owner == "" || fr.StorageID == "" {
		return f.deny(ctx, groupID, fr.Item(), s, causeMissingField)
	}
	loc, ok := f.locations.Enabled(fr.StorageID)
	if !ok {
		return f.deny(ctx, groupID, fr.Item(), s, causeStorageUnknown)
	}

	unlock := f.inFlight.Lock(model.InFlightKey(fr.Checksum, fr.StorageID))
	defer unlock()

	existing, err := f.references.Find(ctx, fr.StorageID, fr.Checksum)
	if err != nil {
		return err
	}
	deletionRunning := false
	if existing != nil {
		running, err := f.references.CancelPendingDeletion(ctx, existing)
		if err != nil {
			return err
		}
		if !running {
			return f.attachExisting(ctx, groupID, existing, fr, s)
		}
		// Физическая копия исчезает: новый запрос ждёт завершения удаления.
		deletionRunning = true
	}

	if !driver.SupportedSource(fr.SourceURI) {
		return f.deny(ctx, groupID, fr.Item(), s, causeUnsupportedURI)
	}
	return f.enqueue(ctx, groupID, loc, fr, deletionRunning)
}

// attachExisting добавляет владельца к уже сохранённому файлу.
func (f *StoreFlow) attachExisting(ctx context.Context, groupID string, ref *model.FileReference, fr model.FileRequest, s sessionRef) error {
	ref, _, _, err := f.references.Attach(ctx, ref, fr.Owner)
	if err != nil {
		return err
	}
	f.events.File(ctx, model.FileEvent{
		Type:      model.EventStored,
		Checksum:  ref.Checksum,
		StorageID: ref.StorageID,
		Owner:     fr.Owner,
		GroupIDs:  groupIDs(groupID),
		Location:  ref.PhysicalURI,
	})
	f.sessions.Notify(ctx, s.owner, s.name, model.MetricStoredFiles, 1)
	return f.groups.RecordSuccess(ctx, groupID, fr.Item())
}

// enqueue создаёт запрос сохранения, переоткрывает запрос владельца в ERROR
// или учитывает дубликат. Вызывается под блокировкой ключа (checksum, storage).
func (f *StoreFlow) enqueue(ctx context.Context, groupID string, loc *driver.Location, fr model.FileRequest, deletionRunning bool) error {
	req := &model.StorageRequest{
		Checksum:     fr.Checksum,
		Algorithm:    fr.Algorithm,
		Filename:     fr.Filename,
		MimeType:     fr.MimeType,
		Size:         fr.Size,
		OriginURI:    fr.SourceURI,
		StorageID:    loc.ID,
		Owner:        fr.Owner,
		SessionOwner: fr.SessionOwner,
		Session:      fr.Session,
		GroupID:      groupID,
		Status:       model.StatusToDo,
	}

	current, err := f.requests.GetByKey(ctx, fr.Checksum, fr.StorageID, fr.Owner)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if current != nil && (current.Status != model.StatusError || current.GroupID == groupID) {
		return f.duplicate(ctx, groupID, current)
	}

	delayed := deletionRunning
	if !delayed {
		if delayed, err = f.otherOwnerInFlight(ctx, fr); err != nil {
			return err
		}
	}
	if delayed {
		until := f.now().Add(f.delayBase)
		req.DelayedUntil = &until
	}

	if current != nil {
		req.ID = current.ID
		reopened, err := f.requests.Reopen(ctx, req)
		if err != nil {
			return err
		}
		if !reopened {
			return f.duplicate(ctx, groupID, current)
		}
		f.sessions.Errors(ctx, current.SessionOwner, current.Session, -1)
		f.logger.Info("Запрос сохранения переоткрыт",
			slog.Int64("id", req.ID),
			slog.String("checksum", req.Checksum),
			slog.String("storage_id", req.StorageID),
			slog.String("owner", req.Owner),
		)
		return nil
	}

	if err := f.requests.Create(ctx, req); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		// Запрос создал другой экземпляр.
		current, err := f.requests.GetByKey(ctx, fr.Checksum, fr.StorageID, fr.Owner)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return f.groups.RecordSuccess(ctx, groupID, fr.Item())
			}
			return err
		}
		return f.duplicate(ctx, groupID, current)
	}
	f.logger.Debug("Запрос сохранения создан",
		slog.Int64("id", req.ID),
		slog.String("checksum", req.Checksum),
		slog.String("storage_id", req.StorageID),
		slog.String("owner", req.Owner),
		slog.Bool("delayed", req.Delayed()),
	)
	return nil
}

// otherOwnerInFlight проверяет, выполняется ли запрос другого владельца на тот же файл.
func (f *StoreFlow) otherOwnerInFlight(ctx context.Context, fr model.FileRequest) (bool, error) {
	inFlight, err := f.requests.ListInFlight(ctx, fr.Checksum, fr.StorageID)
	if err != nil {
		return false, err
	}
	for _, r := range inFlight {
		if r.Owner != fr.Owner {
			return true, nil
		}
	}
	return false, nil
}

// duplicate учитывает повторную подачу уже зарегистрированного запроса:
// результат получает группа повторной подачи, исход самого запроса —
// группа, которая его создала. Повторная доставка элемента той же группы
// результата не даёт: его запишет сам запрос.
func (f *StoreFlow) duplicate(ctx context.Context, groupID string, current *model.StorageRequest) error {
	f.logger.Debug("Дубликат запроса сохранения",
		slog.Int64("id", current.ID),
		slog.String("checksum", current.Checksum),
		slog.String("owner", current.Owner),
		slog.String("status", string(current.Status)),
		slog.Bool("redelivered", current.GroupID == groupID),
	)
	if current.GroupID == groupID {
		return nil
	}
	return f.groups.RecordSuccess(ctx, groupID, current.Item())
}
