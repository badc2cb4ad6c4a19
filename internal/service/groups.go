package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// GroupTracker — счётчики групп запросов.
// Grant регистрирует элементы группы, RecordSuccess/RecordError — их результаты.
// Элемент регистрируется и получает результат не больше одного раза, поэтому
// повторная доставка пакета не меняет счётчики. После каждой записи выполняется
// атомарный захват завершения; событие группы публикует только победитель.
type GroupTracker struct {
	groups     repository.RequestGroupRepository
	storage    repository.StorageRequestRepository
	deletion   repository.DeletionRequestRepository
	cache      repository.CacheRequestRepository
	events     *Events
	sessions   *SessionNotifier
	expiration time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewGroupTracker создаёт трекер групп.
// expiration — время жизни незавершённой группы.
func NewGroupTracker(
	store *repository.Store,
	events *Events,
	sessions *SessionNotifier,
	expiration time.Duration,
	logger *slog.Logger,
) *GroupTracker {
	return &GroupTracker{
		groups:     store.Groups,
		storage:    store.StorageRequests,
		deletion:   store.DeletionRequests,
		cache:      store.CacheRequests,
		events:     events,
		sessions:   sessions,
		expiration: expiration,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "group_tracker")),
	}
}

// Grant регистрирует элементы группы. Группа без элементов сразу завершается.
func (g *GroupTracker) Grant(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) error {
	grp, err := g.groups.Grant(ctx, groupID, typ, items)
	if err != nil {
		return fmt.Errorf("регистрация группы %s: %w", groupID, err)
	}
	if grp.Done() {
		return g.complete(ctx, groupID)
	}
	return nil
}

// Reopen снова ждёт результатов элементов, запросы которых переоткрыты повтором.
func (g *GroupTracker) Reopen(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) error {
	if _, err := g.groups.Reopen(ctx, groupID, typ, items); err != nil {
		return fmt.Errorf("переоткрытие группы %s: %w", groupID, err)
	}
	return nil
}

// RecordSuccess учитывает успешный элемент группы.
func (g *GroupTracker) RecordSuccess(ctx context.Context, groupID string, item model.GroupItem) error {
	return g.record(ctx, model.GroupResult{
		GroupID:   groupID,
		Checksum:  item.Checksum,
		StorageID: item.StorageID,
		Owner:     item.Owner,
		Success:   true,
	})
}

// RecordError учитывает элемент группы, завершившийся ошибкой.
func (g *GroupTracker) RecordError(ctx context.Context, groupID string, item model.GroupItem, cause string) error {
	return g.record(ctx, model.GroupResult{
		GroupID:   groupID,
		Checksum:  item.Checksum,
		StorageID: item.StorageID,
		Owner:     item.Owner,
		Cause:     cause,
	})
}

func (g *GroupTracker) record(ctx context.Context, res model.GroupResult) error {
	if res.GroupID == "" {
		return nil
	}
	grp, err := g.groups.Record(ctx, res)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			g.logger.Warn("Результат для неизвестной группы пропущен",
				slog.String("group_id", res.GroupID),
				slog.String("checksum", res.Checksum),
			)
			return nil
		}
		return fmt.Errorf("запись результата группы %s: %w", res.GroupID, err)
	}
	if !grp.Done() {
		return nil
	}
	return g.complete(ctx, res.GroupID)
}

// complete захватывает завершение группы и публикует её событие.
func (g *GroupTracker) complete(ctx context.Context, groupID string) error {
	grp, results, claimed, err := g.groups.ClaimCompletion(ctx, groupID)
	if err != nil {
		return fmt.Errorf("завершение группы %s: %w", groupID, err)
	}
	if !claimed {
		return nil
	}

	details := make([]model.GroupErrorDetail, 0, grp.Errors)
	for _, r := range results {
		if !r.Success {
			details = append(details, model.GroupErrorDetail{
				Checksum:  r.Checksum,
				StorageID: r.StorageID,
				Cause:     r.Cause,
			})
		}
	}
	status := grp.Status()
	g.events.Group(ctx, model.GroupEvent{
		GroupID:      grp.ID,
		Type:         grp.Type,
		Status:       status,
		SuccessCount: grp.Successes,
		ErrorCount:   grp.Errors,
		ErrorDetails: details,
	})
	groupsCompletedTotal.WithLabelValues(string(status)).Inc()

	g.logger.Debug("Группа завершена",
		slog.String("group_id", grp.ID),
		slog.String("status", string(status)),
		slog.Int("successes", grp.Successes),
		slog.Int("errors", grp.Errors),
	)
	return nil
}

// Deny публикует отказ группе без сохранения состояния.
func (g *GroupTracker) Deny(ctx context.Context, groupID string, typ model.RequestType, cause string) {
	g.events.Group(ctx, model.GroupEvent{
		GroupID: groupID,
		Type:    typ,
		Status:  model.GroupDenied,
		Message: cause,
	})
	groupsCompletedTotal.WithLabelValues(string(model.GroupDenied)).Inc()
	g.logger.Info("Группа отклонена",
		slog.String("group_id", groupID),
		slog.String("type", string(typ)),
		slog.String("cause", cause),
	)
}

// Progress возвращает состояние незавершённой группы и результаты её элементов.
func (g *GroupTracker) Progress(ctx context.Context, groupID string) (*model.RequestGroup, []model.GroupResult, error) {
	grp, err := g.groups.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrGroupNotFound
		}
		return nil, nil, err
	}
	results, err := g.groups.Results(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	return grp, results, nil
}

// ExpireGroups завершает с ошибкой группы старше времени жизни:
// их запросы TO_DO переводятся в ERROR, группы отсоединяются от запросов
// восстановления. Возвращает число обработанных групп.
func (g *GroupTracker) ExpireGroups(ctx context.Context, limit int) (int, error) {
	if g.expiration <= 0 {
		return 0, nil
	}
	expired, err := g.groups.ListExpired(ctx, g.now().Add(-g.expiration), limit)
	if err != nil {
		return 0, fmt.Errorf("выбор истёкших групп: %w", err)
	}
	for _, grp := range expired {
		if err := g.expire(ctx, grp); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		g.logger.Info("Истёкшие группы обработаны", slog.Int("groups", len(expired)))
	}
	return len(expired), nil
}

func (g *GroupTracker) expire(ctx context.Context, grp *model.RequestGroup) error {
	stored, err := g.storage.FailPending(ctx, grp.ID, causeGroupExpired)
	if err != nil {
		return err
	}
	for _, r := range stored {
		g.sessions.Errors(ctx, r.SessionOwner, r.Session, 1)
		g.events.File(ctx, model.FileEvent{
			Type: model.EventStoreError, Checksum: r.Checksum, StorageID: r.StorageID,
			Owner: r.Owner, GroupIDs: groupIDs(r.GroupID), Message: causeGroupExpired,
		})
		if err := g.RecordError(ctx, grp.ID, r.Item(), causeGroupExpired); err != nil {
			return err
		}
	}

	deleted, err := g.deletion.FailPending(ctx, grp.ID, causeGroupExpired)
	if err != nil {
		return err
	}
	for _, r := range deleted {
		g.sessions.Errors(ctx, r.SessionOwner, r.Session, 1)
		g.events.File(ctx, model.FileEvent{
			Type: model.EventDeletionError, Checksum: r.Checksum, StorageID: r.StorageID,
			Owner: r.Owner, GroupIDs: groupIDs(r.GroupID), Message: causeGroupExpired,
		})
		if err := g.RecordError(ctx, grp.ID, r.Item(), causeGroupExpired); err != nil {
			return err
		}
	}

	detached, err := g.cache.DetachGroup(ctx, grp.ID)
	if err != nil {
		return err
	}
	for _, r := range detached {
		g.events.File(ctx, model.FileEvent{
			Type: model.EventAvailabilityError, Checksum: r.Checksum, StorageID: r.StorageID,
			GroupIDs: groupIDs(grp.ID), Message: causeGroupExpired,
		})
		if err := g.RecordError(ctx, grp.ID, r.Item(), causeGroupExpired); err != nil {
			return err
		}
	}

	return g.closeOrphan(ctx, grp.ID)
}

// closeOrphan завершает группу, у которой не осталось выполняющихся запросов,
// но не все элементы получили результат.
func (g *GroupTracker) closeOrphan(ctx context.Context, groupID string) error {
	grp, err := g.groups.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if grp.Done() {
		return g.complete(ctx, groupID)
	}

	filter := repository.RequestFilter{GroupID: groupID, Status: model.StatusRunning, Limit: 1}
	pendingStore, err := g.storage.List(ctx, filter)
	if err != nil {
		return err
	}
	pendingDelete, err := g.deletion.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(pendingStore) > 0 || len(pendingDelete) > 0 {
		// Выполняющиеся запросы завершат группу сами.
		return nil
	}

	grp, err = g.groups.FailUnresolved(ctx, groupID, causeGroupExpired)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if grp.Done() {
		return g.complete(ctx, groupID)
	}
	return nil
}
