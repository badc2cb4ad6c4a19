package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// DeletionFlow — поток удаления владельцев файлов.
// Пакет обрабатывается под блокировкой удаления; последний владелец
// физически управляемого файла порождает запрос удаления.
type DeletionFlow struct {
	flowBase
	locations Locations
	refs      repository.FileReferenceRepository
	requests  repository.DeletionRequestRepository
	lock      *DeletionLock
	logger    *slog.Logger
}

func newDeletionFlow(base flowBase, deps FlowDeps, logger *slog.Logger) *DeletionFlow {
	return &DeletionFlow{
		flowBase:  base,
		locations: deps.Locations,
		refs:      deps.Store.References,
		requests:  deps.Store.DeletionRequests,
		lock:      deps.Lock,
		logger:    logger.With(slog.String("component", "deletion_flow")),
	}
}

// Handle обрабатывает пакет запросов на удаление.
// ErrLockTimeout — блокировку получить не удалось, пакет нужно вернуть в очередь.
func (f *DeletionFlow) Handle(ctx context.Context, batch model.DeletionBatch) error {
	release, err := f.lock.acquire(ctx, "deletion-flow")
	if err != nil {
		f.logger.Warn("Пакет удаления отложен",
			slog.Int("items", batch.Len()),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer release()

	for _, item := range batch.Items {
		sessions := make([]sessionRef, 0, len(item.Files))
		items := make([]model.GroupItem, 0, len(item.Files))
		for _, df := range item.Files {
			s := sessionRef{owner: df.SessionOwner, name: df.Session}
			f.sessions.Received(ctx, s.owner, s.name)
			sessions = append(sessions, s)
			items = append(items, df.Item())
		}
		ok, err := f.admit(ctx, model.RequestDeletion, item.GroupID, items, sessions)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for i, df := range item.Files {
			if err := f.handleFile(ctx, item.GroupID, df, sessions[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *DeletionFlow) handleFile(ctx context.Context, groupID string, df model.DeletionFile, s sessionRef) error {
	if df.Checksum == "" || df.Owner == "" || df.StorageID == "" {
		return f.deny(ctx, groupID, df.Item(), s, causeMissingField)
	}

	ref, err := f.refs.Get(ctx, df.StorageID, df.Checksum)
	if errors.Is(err, repository.ErrNotFound) {
		return f.groups.RecordSuccess(ctx, groupID, df.Item())
	}
	if err != nil {
		return err
	}

	remaining, removed, err := f.refs.RemoveOwner(ctx, ref.ID, df.Owner)
	if err != nil {
		return err
	}
	if !removed {
		return f.ownerAbsent(ctx, groupID, ref, df)
	}
	f.events.File(ctx, model.FileEvent{
		Type:      model.EventDeletedForOwner,
		Checksum:  ref.Checksum,
		StorageID: ref.StorageID,
		Owner:     df.Owner,
		GroupIDs:  groupIDs(groupID),
	})
	if remaining > 0 {
		return f.groups.RecordSuccess(ctx, groupID, df.Item())
	}

	if _, configured := f.locations.Get(ref.StorageID); ref.Referenced || !configured {
		return f.deleteLogical(ctx, groupID, ref, df, s)
	}
	return f.requestDeletion(ctx, groupID, ref, df)
}

// ownerAbsent учитывает удаление владельца, которого у файла уже нет.
// Если владельца удалила предыдущая доставка того же элемента и удаление
// копии ещё в журнале, результат группе запишет запрос удаления.
func (f *DeletionFlow) ownerAbsent(ctx context.Context, groupID string, ref *model.FileReference, df model.DeletionFile) error {
	current, err := f.requests.GetByFileRef(ctx, ref.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if current != nil && current.GroupID == groupID && current.Owner == df.Owner {
		return nil
	}
	return f.groups.RecordSuccess(ctx, groupID, df.Item())
}

// deleteLogical удаляет ссылку без физического удаления.
func (f *DeletionFlow) deleteLogical(ctx context.Context, groupID string, ref *model.FileReference, df model.DeletionFile, s sessionRef) error {
	deleted, err := f.refs.DeleteIfOrphan(ctx, ref.ID)
	if err != nil {
		return err
	}
	if deleted {
		f.events.File(ctx, model.FileEvent{
			Type:      model.EventFullyDeleted,
			Checksum:  ref.Checksum,
			StorageID: ref.StorageID,
			Owner:     df.Owner,
			GroupIDs:  groupIDs(groupID),
		})
		f.sessions.Notify(ctx, s.owner, s.name, model.MetricDeletedFiles, 1)
	}
	return f.groups.RecordSuccess(ctx, groupID, df.Item())
}

// requestDeletion создаёт или переоткрывает запрос физического удаления.
// Ссылка остаётся до успешного удаления копии.
func (f *DeletionFlow) requestDeletion(ctx context.Context, groupID string, ref *model.FileReference, df model.DeletionFile) error {
	req := &model.DeletionRequest{
		FileRefID:    ref.ID,
		StorageID:    ref.StorageID,
		Checksum:     ref.Checksum,
		Owner:        df.Owner,
		Force:        df.Force,
		SessionOwner: df.SessionOwner,
		Session:      df.Session,
		GroupID:      groupID,
		Status:       model.StatusToDo,
	}

	current, err := f.requests.GetByFileRef(ctx, ref.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		err = f.requests.Create(ctx, req)
		if errors.Is(err, repository.ErrConflict) {
			return f.groups.RecordSuccess(ctx, groupID, df.Item())
		}
		if err != nil {
			return err
		}
		f.logger.Debug("Запрос удаления создан",
			slog.Int64("id", req.ID),
			slog.String("checksum", req.Checksum),
			slog.String("storage_id", req.StorageID),
			slog.Bool("force", req.Force),
		)
		return nil
	case err != nil:
		return err
	}

	if current.GroupID == groupID && current.Owner == df.Owner {
		// Повторная доставка: запрос уже создан этим элементом.
		return nil
	}
	if current.Status == model.StatusError {
		req.ID = current.ID
		reopened, err := f.requests.Reopen(ctx, req)
		if err != nil {
			return err
		}
		if reopened {
			f.sessions.Errors(ctx, current.SessionOwner, current.Session, -1)
			return nil
		}
	}
	// Удаление уже зарегистрировано другой группой.
	return f.groups.RecordSuccess(ctx, groupID, df.Item())
}
