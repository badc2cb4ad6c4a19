package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// EventPublisher — публикация событий оркестратора в шину.
type EventPublisher interface {
	PublishFile(ctx context.Context, ev model.FileEvent) error
	PublishGroup(ctx context.Context, ev model.GroupEvent) error
	PublishSession(ctx context.Context, ev model.SessionEvent) error
}

// Events — публикация событий файлов и групп от имени арендатора экземпляра.
// Ошибка публикации не прерывает обработку: она логируется и учитывается в метриках.
type Events struct {
	pub    EventPublisher
	tenant string
	now    func() time.Time
	logger *slog.Logger
}

// NewEvents создаёт публикатора событий.
func NewEvents(pub EventPublisher, tenant string, logger *slog.Logger) *Events {
	return &Events{
		pub:    pub,
		tenant: tenant,
		now:    time.Now,
		logger: logger.With(slog.String("component", "events")),
	}
}

// File публикует событие жизненного цикла файла.
func (e *Events) File(ctx context.Context, ev model.FileEvent) {
	ev.Tenant = e.tenant
	ev.Timestamp = e.now().UTC()
	if ev.GroupIDs == nil {
		ev.GroupIDs = []string{}
	}
	if err := e.pub.PublishFile(ctx, ev); err != nil {
		eventPublishErrorsTotal.WithLabelValues("file").Inc()
		e.logger.Error("Ошибка публикации события файла",
			slog.String("type", string(ev.Type)),
			slog.String("checksum", ev.Checksum),
			slog.String("error", err.Error()),
		)
		return
	}
	eventsPublishedTotal.WithLabelValues("file").Inc()
}

// Group публикует событие группы запросов.
func (e *Events) Group(ctx context.Context, ev model.GroupEvent) {
	ev.Tenant = e.tenant
	ev.Timestamp = e.now().UTC()
	if ev.ErrorDetails == nil {
		ev.ErrorDetails = []model.GroupErrorDetail{}
	}
	if err := e.pub.PublishGroup(ctx, ev); err != nil {
		eventPublishErrorsTotal.WithLabelValues("group").Inc()
		e.logger.Error("Ошибка публикации события группы",
			slog.String("group_id", ev.GroupID),
			slog.String("status", string(ev.Status)),
			slog.String("error", err.Error()),
		)
		return
	}
	eventsPublishedTotal.WithLabelValues("group").Inc()
}

// groupIDs возвращает список из одной группы или пустой список.
func groupIDs(id string) []string {
	if id == "" {
		return []string{}
	}
	return []string{id}
}
