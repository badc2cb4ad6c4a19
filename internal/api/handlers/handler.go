// handler.go — обработчик HTTP API сопровождения.
// Делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/arturkryukov/artstore/file-orchestrator/internal/api/errors"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

// maxBodySize — максимальный размер тела запроса.
const maxBodySize = 1 << 20

// LockService — блокировка удаления (service.DeletionLock).
type LockService interface {
	State(ctx context.Context) (service.LockState, error)
	Hold(ctx context.Context, holder string, ttl time.Duration) (service.LockState, error)
	Release(ctx context.Context, holder string) error
}

// Sweeper — внеочередной проход планировщиков (service.Scheduler).
type Sweeper interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
}

// Retrier — повтор запросов в ERROR (service.RetryFlow).
type Retrier interface {
	Retry(ctx context.Context, filter repository.RequestFilter, typ model.RequestType) (service.RetryResult, error)
}

// LedgerQuerier — выборка записей журнала (service.Ledger).
type LedgerQuerier interface {
	Query(ctx context.Context, typ model.RequestType, filter repository.RequestFilter) ([]model.RequestInfo, error)
}

// GroupProgress — состояние группы запросов (service.GroupTracker).
type GroupProgress interface {
	Progress(ctx context.Context, groupID string) (*model.RequestGroup, []model.GroupResult, error)
}

// UsageReporter — заполненность хранилищ (service.StorageMonitor).
type UsageReporter interface {
	Report() []service.StorageUsageReport
}

// Deps — зависимости APIHandler.
type Deps struct {
	Health    *HealthHandler
	Lock      LockService
	Scheduler Sweeper
	Retry     Retrier
	Ledger    LedgerQuerier
	Groups    GroupProgress
	Usage     UsageReporter
}

// APIHandler — обработчик API File Orchestrator.
type APIHandler struct {
	health    *HealthHandler
	lock      LockService
	scheduler Sweeper
	retry     Retrier
	ledger    LedgerQuerier
	groups    GroupProgress
	usage     UsageReporter
	logger    *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(deps Deps, logger *slog.Logger) *APIHandler {
	health := deps.Health
	if health == nil {
		health = NewHealthHandler()
	}
	return &APIHandler{
		health:    health,
		lock:      deps.Lock,
		scheduler: deps.Scheduler,
		retry:     deps.Retry,
		ledger:    deps.Ledger,
		groups:    deps.Groups,
		usage:     deps.Usage,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness-проверка (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness-проверка (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// fail отвечает ошибкой сервисного слоя. Ошибки без собственного кода API
// логируются с request_id и заменяются на fallback.
func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error, fallback *apierrors.Error, msg string, attrs ...slog.Attr) {
	if !apierrors.Known(err) {
		attrs = append(attrs,
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
		h.logger.LogAttrs(r.Context(), slog.LevelError, msg, attrs...)
	}
	apierrors.Write(w, r, apierrors.FromService(err, fallback))
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса. Пустое тело допустимо.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
