package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// RetryResult — число переоткрытых запросов по типам.
type RetryResult struct {
	Storage      int `json:"storage"`
	Deletion     int `json:"deletion"`
	Availability int `json:"availability"`
}

// Total возвращает общее число переоткрытых запросов.
func (r RetryResult) Total() int {
	return r.Storage + r.Deletion + r.Availability
}

// RetryFlow переоткрывает запросы журнала в статусе ERROR (ERROR → TO_DO).
// Запросы TO_DO и RUNNING не затрагиваются. Элементы групп переоткрытых
// запросов снова ждут результата.
type RetryFlow struct {
	storage  repository.StorageRequestRepository
	deletion repository.DeletionRequestRepository
	cache    repository.CacheRequestRepository
	groups   *GroupTracker
	sessions *SessionNotifier
	logger   *slog.Logger
}

// NewRetryFlow создаёт обработчик повторов.
func NewRetryFlow(store *repository.Store, groups *GroupTracker, sessions *SessionNotifier, logger *slog.Logger) *RetryFlow {
	return &RetryFlow{
		storage:  store.StorageRequests,
		deletion: store.DeletionRequests,
		cache:    store.CacheRequests,
		groups:   groups,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "retry_flow")),
	}
}

// Handle обрабатывает пакет запросов повтора.
func (f *RetryFlow) Handle(ctx context.Context, batch model.RetryBatch) error {
	for _, item := range batch.Items {
		filter := repository.RequestFilter{GroupID: item.GroupID, Owners: item.Owners}
		if filter.Empty() {
			flowItemsTotal.WithLabelValues(string(model.RequestRetry), "denied").Inc()
			f.logger.Warn("Повтор без группы и владельцев пропущен")
			continue
		}
		flowItemsTotal.WithLabelValues(string(model.RequestRetry), "accepted").Inc()
		if _, err := f.Retry(ctx, filter, item.Type); err != nil {
			return err
		}
	}
	return nil
}

// Retry переоткрывает запросы в ERROR по фильтру; typ пустой — все типы.
// Пустой фильтр не допускается.
func (f *RetryFlow) Retry(ctx context.Context, filter repository.RequestFilter, typ model.RequestType) (RetryResult, error) {
	var res RetryResult
	if filter.Empty() {
		return res, fmt.Errorf("%w: не задан фильтр повтора", ErrValidation)
	}
	filter.Status = model.StatusError

	var err error
	if typ == "" || typ == model.RequestStorage {
		if res.Storage, err = f.retryStorage(ctx, filter); err != nil {
			return res, err
		}
	}
	if typ == "" || typ == model.RequestDeletion {
		if res.Deletion, err = f.retryDeletion(ctx, filter); err != nil {
			return res, err
		}
	}
	// У запросов восстановления нет владельца: фильтр только по владельцам их не выбирает.
	ownersOnly := filter.GroupID == "" && filter.StorageID == ""
	if (typ == "" || typ == model.RequestAvailability) && !ownersOnly {
		if res.Availability, err = f.retryAvailability(ctx, filter); err != nil {
			return res, err
		}
	}

	if res.Total() > 0 {
		f.logger.Info("Запросы переоткрыты",
			slog.String("group_id", filter.GroupID),
			slog.String("storage_id", filter.StorageID),
			slog.Int("storage", res.Storage),
			slog.Int("deletion", res.Deletion),
			slog.Int("availability", res.Availability),
		)
	}
	return res, nil
}

// regrant снова открывает элементы групп до переоткрытия запросов, чтобы
// результат быстрого задания не пришёл раньше, чем группа его ждёт.
// Элементы запросов, которые переоткрыл параллельный повтор, остаются
// незавершёнными: результат запишет их задание.
type regrant struct {
	groups  *GroupTracker
	typ     model.RequestType
	planned map[string]map[string]struct{}
}

func (r *regrant) plan(ctx context.Context, items map[string][]model.GroupItem) error {
	r.planned = make(map[string]map[string]struct{}, len(items))
	for groupID, list := range items {
		keys := make(map[string]struct{}, len(list))
		for _, it := range list {
			keys[it.Key()] = struct{}{}
		}
		r.planned[groupID] = keys
		if err := r.groups.Reopen(ctx, groupID, r.typ, list); err != nil {
			return err
		}
	}
	return nil
}

// settle открывает элементы запросов, перешедших в ERROR после выборки.
func (r *regrant) settle(ctx context.Context, actual map[string][]model.GroupItem) error {
	for groupID, list := range actual {
		var missed []model.GroupItem
		for _, it := range list {
			if _, ok := r.planned[groupID][it.Key()]; !ok {
				missed = append(missed, it)
			}
		}
		if len(missed) == 0 {
			continue
		}
		if err := r.groups.Reopen(ctx, groupID, r.typ, missed); err != nil {
			return err
		}
	}
	return nil
}

func (f *RetryFlow) retryStorage(ctx context.Context, filter repository.RequestFilter) (int, error) {
	listed, err := f.storage.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(listed) == 0 {
		return 0, nil
	}
	rg := &regrant{groups: f.groups, typ: model.RequestStorage}
	if err := rg.plan(ctx, groupItems(listed, storageGroups)); err != nil {
		return 0, err
	}
	reopened, err := f.storage.ReopenErrors(ctx, filter)
	if err != nil {
		return 0, err
	}
	for _, r := range reopened {
		f.sessions.Errors(ctx, r.SessionOwner, r.Session, -1)
	}
	return len(reopened), rg.settle(ctx, groupItems(reopened, storageGroups))
}

func (f *RetryFlow) retryDeletion(ctx context.Context, filter repository.RequestFilter) (int, error) {
	listed, err := f.deletion.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(listed) == 0 {
		return 0, nil
	}
	rg := &regrant{groups: f.groups, typ: model.RequestDeletion}
	if err := rg.plan(ctx, groupItems(listed, deletionGroups)); err != nil {
		return 0, err
	}
	reopened, err := f.deletion.ReopenErrors(ctx, filter)
	if err != nil {
		return 0, err
	}
	for _, r := range reopened {
		f.sessions.Errors(ctx, r.SessionOwner, r.Session, -1)
	}
	return len(reopened), rg.settle(ctx, groupItems(reopened, deletionGroups))
}

func (f *RetryFlow) retryAvailability(ctx context.Context, filter repository.RequestFilter) (int, error) {
	filter.Owners = nil
	listed, err := f.cache.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(listed) == 0 {
		return 0, nil
	}
	rg := &regrant{groups: f.groups, typ: model.RequestAvailability}
	if err := rg.plan(ctx, groupItems(listed, cacheGroups)); err != nil {
		return 0, err
	}
	reopened, err := f.cache.ReopenErrors(ctx, filter)
	if err != nil {
		return 0, err
	}
	for _, r := range reopened {
		f.sessions.Errors(ctx, r.SessionOwner, r.Session, -1)
	}
	return len(reopened), rg.settle(ctx, groupItems(reopened, cacheGroups))
}

// groupItems раскладывает элементы запросов по группам.
func groupItems[T any](rows []T, of func(T) ([]string, model.GroupItem)) map[string][]model.GroupItem {
	out := make(map[string][]model.GroupItem)
	for _, r := range rows {
		groups, item := of(r)
		for _, g := range groups {
			out[g] = append(out[g], item)
		}
	}
	return out
}

func storageGroups(r *model.StorageRequest) ([]string, model.GroupItem) {
	return groupIDs(r.GroupID), r.Item()
}

func deletionGroups(r *model.DeletionRequest) ([]string, model.GroupItem) {
	return groupIDs(r.GroupID), r.Item()
}

func cacheGroups(r *model.CacheRequest) ([]string, model.GroupItem) {
	return r.GroupIDs, r.Item()
}
