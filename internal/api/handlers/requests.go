// requests.go — запросы к журналу и состояние групп.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/artstore/file-orchestrator/internal/api/errors"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type requestListResponse struct {
	Items []model.RequestInfo `json:"items"`
	Count int                 `json:"count"`
}

type groupResultResponse struct {
	Checksum  string `json:"checksum"`
	StorageID string `json:"storage_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Success   bool   `json:"success"`
	Cause     string `json:"cause,omitempty"`
}

type groupResponse struct {
	GroupID   string                `json:"group_id"`
	Type      model.RequestType     `json:"type"`
	Expected  int                   `json:"expected"`
	Successes int                   `json:"successes"`
	Errors    int                   `json:"errors"`
	Completed bool                  `json:"completed"`
	CreatedAt time.Time             `json:"created_at"`
	Results   []groupResultResponse `json:"results"`
}

// ListRequests — выборка записей журнала:
// ?type=&group_id=&owner=&storage_id=&status=&limit=
// owner можно повторять или перечислять через запятую.
func (h *APIHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var typ model.RequestType
	if v := q.Get("type"); v != "" {
		t, err := model.ParseRequestType(v)
		if err != nil {
			apierrors.Write(w, r, apierrors.Invalid(err.Error()))
			return
		}
		typ = t
	}

	filter := repository.RequestFilter{
		GroupID:   q.Get("group_id"),
		StorageID: q.Get("storage_id"),
		Owners:    splitList(q["owner"]),
		Limit:     defaultListLimit,
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseRequestStatus(v)
		if err != nil {
			apierrors.Write(w, r, apierrors.Invalid(err.Error()))
			return
		}
		filter.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apierrors.Write(w, r, apierrors.Invalid("limit должен быть положительным числом"))
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	items, err := h.ledger.Query(r.Context(), typ, filter)
	if err != nil {
		h.fail(w, r, err, apierrors.Internal("ошибка выборки журнала"), "Ошибка выборки журнала")
		return
	}
	writeJSON(w, http.StatusOK, requestListResponse{Items: items, Count: len(items)})
}

// GetGroup — состояние незавершённой группы запросов.
func (h *APIHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	grp, results, err := h.groups.Progress(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, apierrors.Internal("ошибка чтения группы"), "Ошибка чтения группы",
			slog.String("group_id", id))
		return
	}

	resp := groupResponse{
		GroupID:   grp.ID,
		Type:      grp.Type,
		Expected:  grp.Expected,
		Successes: grp.Successes,
		Errors:    grp.Errors,
		Completed: grp.Completed,
		CreatedAt: grp.CreatedAt,
		Results:   make([]groupResultResponse, 0, len(results)),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, groupResultResponse{
			Checksum:  res.Checksum,
			StorageID: res.StorageID,
			Owner:     res.Owner,
			Success:   res.Success,
			Cause:     res.Cause,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStorageUsage — заполненность хранилищ по последнему расчёту монитора.
func (h *APIHandler) GetStorageUsage(w http.ResponseWriter, r *http.Request) {
	reports := h.usage.Report()
	if reports == nil {
		reports = []service.StorageUsageReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"storages": reports})
}

// splitList разбирает повторяющиеся и перечисленные через запятую значения.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
