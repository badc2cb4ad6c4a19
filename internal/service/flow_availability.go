package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// causeExpirationPast — срок доступности в прошлом.
const causeExpirationPast = "срок доступности уже истёк"

// AvailabilityFlow — поток доступности файлов: online-файлы и файлы
// в кэше доступны сразу, nearline-файлы восстанавливаются в кэш.
type AvailabilityFlow struct {
	flowBase
	locations Locations
	refs      repository.FileReferenceRepository
	requests  repository.CacheRequestRepository
	cache     *CacheService
	logger    *slog.Logger
}

func newAvailabilityFlow(base flowBase, deps FlowDeps, logger *slog.Logger) *AvailabilityFlow {
	return &AvailabilityFlow{
		flowBase:  base,
		locations: deps.Locations,
		refs:      deps.Store.References,
		requests:  deps.Store.CacheRequests,
		cache:     deps.Cache,
		logger:    logger.With(slog.String("component", "availability_flow")),
	}
}

// Handle обрабатывает пакет запросов доступности.
func (f *AvailabilityFlow) Handle(ctx context.Context, batch model.AvailabilityBatch) error {
	for _, item := range batch.Items {
		s := sessionRef{owner: item.SessionOwner, name: item.Session}
		f.sessions.Received(ctx, s.owner, s.name)

		if item.GroupID != "" && !item.Expiration.After(f.now()) {
			f.groups.Deny(ctx, item.GroupID, model.RequestAvailability, causeExpirationPast)
			f.sessions.Denied(ctx, s.owner, s.name)
			flowItemsTotal.WithLabelValues(string(model.RequestAvailability), "denied").Inc()
			continue
		}
		items := make([]model.GroupItem, len(item.Checksums))
		for i, checksum := range item.Checksums {
			items[i] = model.GroupItem{Checksum: checksum}
		}
		ok, err := f.admit(ctx, model.RequestAvailability, item.GroupID, items, []sessionRef{s})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, checksum := range item.Checksums {
			if err := f.handleChecksum(ctx, item, checksum); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *AvailabilityFlow) handleChecksum(ctx context.Context, item model.AvailabilityFlowItem, checksum string) error {
	cached, err := f.cache.Available(ctx, checksum, item.Expiration)
	if err != nil {
		return err
	}
	if cached != nil {
		return f.available(ctx, item.GroupID, checksum, "", cached.CachedURI)
	}

	refs, err := f.refs.ListByChecksum(ctx, checksum)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return f.unavailable(ctx, item.GroupID, checksum, causeUnknownChecksum)
	}

	var nearline *model.FileReference
	for _, ref := range refs {
		loc, ok := f.locations.Get(ref.StorageID)
		if !ok {
			continue
		}
		switch loc.TierOf() {
		case model.TierOnline:
			return f.available(ctx, item.GroupID, checksum, ref.StorageID, ref.PhysicalURI)
		case model.TierNearline:
			if nearline == nil {
				nearline = ref
			}
		}
	}
	if nearline == nil {
		return f.unavailable(ctx, item.GroupID, checksum, causeNoLocation)
	}
	return f.requestRestore(ctx, item, nearline)
}

// requestRestore создаёт запрос восстановления или присоединяет к нему группу.
func (f *AvailabilityFlow) requestRestore(ctx context.Context, item model.AvailabilityFlowItem, ref *model.FileReference) error {
	for range 2 {
		req, reopened, err := f.requests.Merge(ctx, ref.Checksum, item.GroupID, item.Expiration)
		if err == nil {
			if reopened {
				f.sessions.Errors(ctx, req.SessionOwner, req.Session, -1)
			}
			f.logger.Debug("Группа присоединена к запросу восстановления",
				slog.Int64("id", req.ID),
				slog.String("checksum", req.Checksum),
				slog.String("group_id", item.GroupID),
				slog.Bool("reopened", reopened),
			)
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		err = f.requests.Create(ctx, &model.CacheRequest{
			Checksum:     ref.Checksum,
			StorageID:    ref.StorageID,
			FileRefID:    ref.ID,
			PhysicalURI:  ref.PhysicalURI,
			Size:         ref.Size,
			Expiration:   item.Expiration,
			GroupIDs:     []string{item.GroupID},
			SessionOwner: item.SessionOwner,
			Session:      item.Session,
			Status:       model.StatusToDo,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		// Запрос создан параллельно: присоединяемся к нему.
	}
	return f.unavailable(ctx, item.GroupID, ref.Checksum, "не удалось зарегистрировать запрос восстановления")
}

func (f *AvailabilityFlow) available(ctx context.Context, groupID, checksum, storageID, location string) error {
	f.events.File(ctx, model.FileEvent{
		Type:      model.EventAvailable,
		Checksum:  checksum,
		StorageID: storageID,
		GroupIDs:  groupIDs(groupID),
		Location:  location,
	})
	return f.groups.RecordSuccess(ctx, groupID, model.GroupItem{Checksum: checksum})
}

func (f *AvailabilityFlow) unavailable(ctx context.Context, groupID, checksum, cause string) error {
	f.events.File(ctx, model.FileEvent{
		Type:     model.EventAvailabilityError,
		Checksum: checksum,
		GroupIDs: groupIDs(groupID),
		Message:  cause,
	})
	return f.groups.RecordError(ctx, groupID, model.GroupItem{Checksum: checksum}, cause)
}
