// maintenance.go — операции сопровождения: блокировка удаления,
// внеочередной проход планировщиков, повтор запросов в ERROR.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/arturkryukov/artstore/file-orchestrator/internal/api/errors"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

// holdLockRequest — тело POST /api/v1/maintenance/deletion-lock.
type holdLockRequest struct {
	Holder string `json:"holder"`
	// TTL — длительность в формате Go ("30m", "2h"); пусто — по умолчанию
	TTL string `json:"ttl"`
}

// retryRequest — тело POST /api/v1/maintenance/retry.
type retryRequest struct {
	GroupID   string   `json:"group_id"`
	Owners    []string `json:"owners"`
	StorageID string   `json:"storage_id"`
	Type      string   `json:"type"`
}

type retryResponse struct {
	service.RetryResult
	Total int `json:"total"`
}

type sweepResponse struct {
	*service.SweepResult
	DurationMs int64 `json:"duration_ms"`
}

// GetDeletionLock — текущее состояние блокировки удаления.
func (h *APIHandler) GetDeletionLock(w http.ResponseWriter, r *http.Request) {
	state, err := h.lock.State(r.Context())
	if err != nil {
		h.logger.Error("Ошибка чтения блокировки удаления", slog.String("error", err.Error()))
		apierrors.Write(w, r, apierrors.Unavailable("хранилище блокировок недоступно"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HoldDeletionLock удерживает блокировку удаления от имени holder.
func (h *APIHandler) HoldDeletionLock(w http.ResponseWriter, r *http.Request) {
	var req holdLockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.Write(w, r, apierrors.Invalid("некорректное тело запроса: "+err.Error()))
		return
	}
	if req.Holder == "" {
		apierrors.Write(w, r, apierrors.Invalid("holder не задан"))
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			apierrors.Write(w, r, apierrors.Invalid("некорректный ttl: "+req.TTL))
			return
		}
		ttl = d
	}

	state, err := h.lock.Hold(r.Context(), req.Holder, ttl)
	if err != nil {
		h.fail(w, r, err, apierrors.Unavailable("хранилище блокировок недоступно"), "Ошибка захвата блокировки удаления")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ReleaseDeletionLock освобождает блокировку (?holder=).
func (h *APIHandler) ReleaseDeletionLock(w http.ResponseWriter, r *http.Request) {
	holder := r.URL.Query().Get("holder")
	if holder == "" {
		apierrors.Write(w, r, apierrors.Invalid("holder не задан"))
		return
	}

	if err := h.lock.Release(r.Context(), holder); err != nil {
		h.fail(w, r, err, apierrors.Unavailable("хранилище блокировок недоступно"), "Ошибка освобождения блокировки удаления")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSchedule выполняет внеочередной проход всех планировщиков.
// 409 SWEEP_RUNNING — проход уже выполняется.
func (h *APIHandler) RunSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err, apierrors.Internal("ошибка прохода планировщиков"), "Ошибка внеочередного прохода планировщиков")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{SweepResult: res, DurationMs: res.Duration.Milliseconds()})
}

// RetryRequests переоткрывает запросы в ERROR по группе, владельцам или хранилищу.
func (h *APIHandler) RetryRequests(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.Write(w, r, apierrors.Invalid("некорректное тело запроса: "+err.Error()))
		return
	}
	var typ model.RequestType
	if req.Type != "" {
		t, err := model.ParseRequestType(req.Type)
		if err != nil {
			apierrors.Write(w, r, apierrors.Invalid(err.Error()))
			return
		}
		typ = t
	}
	filter := repository.RequestFilter{
		GroupID:   req.GroupID,
		Owners:    req.Owners,
		StorageID: req.StorageID,
	}

	res, err := h.retry.Retry(r.Context(), filter, typ)
	if err != nil {
		h.fail(w, r, err, apierrors.Internal("ошибка повтора запросов"), "Ошибка повтора запросов")
		return
	}
	h.logger.Info("Повтор запросов выполнен",
		slog.String("group_id", req.GroupID),
		slog.String("storage_id", req.StorageID),
		slog.String("type", string(typ)),
		slog.Int("total", res.Total()),
	)
	writeJSON(w, http.StatusOK, retryResponse{RetryResult: res, Total: res.Total()})
}
