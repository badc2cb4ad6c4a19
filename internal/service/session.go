package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// sessionDeltaTotal — сумма приращений счётчиков сессий по метрике.
var sessionDeltaTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fo_session_events_total",
	Help: "Количество событий счётчиков сессий",
}, []string{"metric"})

// SessionNotifier рассылает приращения счётчиков сессий (sessionOwner, session).
// Состояния не хранит; данные событий не являются авторитетными.
type SessionNotifier struct {
	pub    EventPublisher
	tenant string
	now    func() time.Time
	logger *slog.Logger
}

// NewSessionNotifier создаёт рассыльщик счётчиков сессий.
func NewSessionNotifier(pub EventPublisher, tenant string, logger *slog.Logger) *SessionNotifier {
	return &SessionNotifier{
		pub:    pub,
		tenant: tenant,
		now:    time.Now,
		logger: logger.With(slog.String("component", "session_notifier")),
	}
}

// Notify публикует приращение метрики. Запросы без сессии не учитываются.
func (n *SessionNotifier) Notify(ctx context.Context, sessionOwner, session string, metric model.SessionMetric, delta int) {
	if sessionOwner == "" && session == "" {
		return
	}
	ev := model.SessionEvent{
		Tenant:       n.tenant,
		SessionOwner: sessionOwner,
		Session:      session,
		Metric:       metric,
		Delta:        delta,
		Timestamp:    n.now().UTC(),
	}
	if err := n.pub.PublishSession(ctx, ev); err != nil {
		eventPublishErrorsTotal.WithLabelValues("session").Inc()
		n.logger.Warn("Ошибка публикации счётчика сессии",
			slog.String("metric", string(metric)),
			slog.String("session_owner", sessionOwner),
			slog.String("session", session),
			slog.String("error", err.Error()),
		)
		return
	}
	eventsPublishedTotal.WithLabelValues("session").Inc()
	sessionDeltaTotal.WithLabelValues(string(metric)).Inc()
}

// Received — получен запрос.
func (n *SessionNotifier) Received(ctx context.Context, sessionOwner, session string) {
	n.Notify(ctx, sessionOwner, session, model.MetricRequestsReceived, 1)
}

// Denied — запрос отклонён при приёме.
func (n *SessionNotifier) Denied(ctx context.Context, sessionOwner, session string) {
	n.Notify(ctx, sessionOwner, session, model.MetricRequestsDenied, 1)
}

// Running — запрос начал (+1) или закончил (-1) выполнение.
func (n *SessionNotifier) Running(ctx context.Context, sessionOwner, session string, delta int) {
	n.Notify(ctx, sessionOwner, session, model.MetricRequestsRunning, delta)
}

// Errors — запрос перешёл в ERROR (+1) или повторно открыт (-1).
func (n *SessionNotifier) Errors(ctx context.Context, sessionOwner, session string, delta int) {
	n.Notify(ctx, sessionOwner, session, model.MetricRequestsErrors, delta)
}
