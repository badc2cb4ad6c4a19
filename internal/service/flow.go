package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// FlowDeps — зависимости обработчиков входящих потоков.
type FlowDeps struct {
	Store      *repository.Store
	Locations  Locations
	Groups     *GroupTracker
	Sessions   *SessionNotifier
	Events     *Events
	References *References
	Cache      *CacheService
	InFlight   *locking.KeyedMutex
	Lock       *DeletionLock
}

// FlowSettings — параметры обработчиков потоков.
type FlowSettings struct {
	// MaxItems — максимум файлов в одном элементе потока (0 — без ограничения)
	MaxItems int
	// StoreDelayBase — начальная отсрочка запроса сохранения, ждущего другого владельца
	StoreDelayBase time.Duration
}

// FlowDispatcher выбирает обработчик пакета по его типу.
// Ошибка возвращается только при сбое инфраструктуры (хранилище записей,
// блокировка удаления): пакет нужно вернуть в очередь.
type FlowDispatcher struct {
	reference    *ReferenceFlow
	store        *StoreFlow
	deletion     *DeletionFlow
	availability *AvailabilityFlow
	retry        *RetryFlow
	logger       *slog.Logger
}

// NewFlowDispatcher создаёт обработчики всех потоков.
func NewFlowDispatcher(deps FlowDeps, settings FlowSettings, logger *slog.Logger) *FlowDispatcher {
	base := flowBase{
		groups:   deps.Groups,
		sessions: deps.Sessions,
		events:   deps.Events,
		maxItems: settings.MaxItems,
		now:      time.Now,
	}
	return &FlowDispatcher{
		reference:    newReferenceFlow(base, deps, logger),
		store:        newStoreFlow(base, deps, settings.StoreDelayBase, logger),
		deletion:     newDeletionFlow(base, deps, logger),
		availability: newAvailabilityFlow(base, deps, logger),
		retry:        NewRetryFlow(deps.Store, deps.Groups, deps.Sessions, logger),
		logger:       logger.With(slog.String("component", "flow_dispatcher")),
	}
}

// Retry возвращает обработчик потока повторов (используется API сопровождения).
func (d *FlowDispatcher) Retry() *RetryFlow {
	return d.retry
}

// Handle обрабатывает пакет входящего потока.
func (d *FlowDispatcher) Handle(ctx context.Context, batch model.Batch) error {
	start := time.Now()
	var err error
	switch b := batch.(type) {
	case model.ReferenceBatch:
		err = d.reference.Handle(ctx, b)
	case model.StoreBatch:
		err = d.store.Handle(ctx, b)
	case model.DeletionBatch:
		err = d.deletion.Handle(ctx, b)
	case model.AvailabilityBatch:
		err = d.availability.Handle(ctx, b)
	case model.RetryBatch:
		err = d.retry.Handle(ctx, b)
	default:
		return fmt.Errorf("неизвестный тип пакета %T", batch)
	}
	flowBatchDuration.WithLabelValues(string(batch.Kind())).Observe(time.Since(start).Seconds())

	if err != nil {
		d.logger.Error("Ошибка обработки пакета",
			slog.String("kind", string(batch.Kind())),
			slog.Int("items", batch.Len()),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.logger.Debug("Пакет обработан",
		slog.String("kind", string(batch.Kind())),
		slog.Int("items", batch.Len()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// flowBase — общие шаги приёма элементов потоков.
type flowBase struct {
	groups   *GroupTracker
	sessions *SessionNotifier
	events   *Events
	maxItems int
	now      func() time.Time
}

// sessionRef — сессия, к которой относится запрос.
type sessionRef struct {
	owner string
	name  string
}

// admit проверяет элемент потока и регистрирует элементы его группы.
// Элемент без groupId или со слишком большим числом файлов отклоняется:
// событие GROUP_DENIED, счётчик REQUESTS_DENIED для каждой сессии элемента.
// Повторно доставленный элемент регистрирует те же элементы группы
// и ожидаемое число не меняет.
func (f *flowBase) admit(ctx context.Context, kind model.RequestType, groupID string, items []model.GroupItem, sessions []sessionRef) (bool, error) {
	n := len(items)
	cause := ""
	switch {
	case groupID == "":
		cause = causeGroupMissing
	case f.maxItems > 0 && n > f.maxItems:
		cause = fmt.Sprintf("%s: %d > %d", causeTooManyItems, n, f.maxItems)
	}
	if cause != "" {
		f.groups.Deny(ctx, groupID, kind, cause)
		for _, s := range sessions {
			f.sessions.Denied(ctx, s.owner, s.name)
		}
		flowItemsTotal.WithLabelValues(string(kind), "denied").Inc()
		return false, nil
	}

	flowItemsTotal.WithLabelValues(string(kind), "accepted").Inc()
	if err := f.groups.Grant(ctx, groupID, kind, items); err != nil {
		return false, err
	}
	return true, nil
}

// deny отклоняет один файл элемента: ошибка группы, REQUESTS_DENIED, без записи в журнал.
func (f *flowBase) deny(ctx context.Context, groupID string, item model.GroupItem, s sessionRef, cause string) error {
	f.sessions.Denied(ctx, s.owner, s.name)
	return f.groups.RecordError(ctx, groupID, item, cause)
}

// fileItems возвращает элементы группы для файлов элемента потока.
func fileItems(files []model.FileRequest) []model.GroupItem {
	items := make([]model.GroupItem, len(files))
	for i, fr := range files {
		items[i] = fr.Item()
	}
	return items
}

// fileSessions возвращает сессии файлов элемента и учитывает их в REQUESTS_RECEIVED.
func (f *flowBase) fileSessions(ctx context.Context, files []model.FileRequest) []sessionRef {
	out := make([]sessionRef, 0, len(files))
	for _, fr := range files {
		s := sessionRef{owner: fr.SessionOwner, name: fr.Session}
		f.sessions.Received(ctx, s.owner, s.name)
		out = append(out, s)
	}
	return out
}
