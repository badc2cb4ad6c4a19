package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

func TestFromService(t *testing.T) {
	fallback := Unavailable("хранилище блокировок недоступно")
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   Code
	}{
		{"валидация", fmt.Errorf("%w: пустой фильтр", service.ErrValidation), http.StatusBadRequest, CodeValidationError},
		{"группа", service.ErrGroupNotFound, http.StatusNotFound, CodeGroupNotFound},
		{"хранилище", service.ErrStorageUnknown, http.StatusUnprocessableEntity, CodeStorageUnknown},
		{"блокировка занята", service.ErrLockBusy, http.StatusConflict, CodeLockBusy},
		{"не владелец", service.ErrLockNotHeld, http.StatusConflict, CodeLockNotHeld},
		{"таймаут блокировки", service.ErrLockTimeout, http.StatusServiceUnavailable, CodeLockTimeout},
		{"проход идёт", service.ErrSchedulerBusy, http.StatusConflict, CodeSweepRunning},
		{"неизвестная", fmt.Errorf("redis: connection refused"), http.StatusServiceUnavailable, CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromService(tt.err, fallback)
			if got.Status != tt.wantStatus || got.Code != tt.wantCode {
				t.Errorf("FromService() = %d %s, ожидается %d %s", got.Status, got.Code, tt.wantStatus, tt.wantCode)
			}
			if Known(tt.err) != (got != fallback) {
				t.Errorf("Known() = %v для %v", Known(tt.err), tt.err)
			}
		})
	}

	if got := FromService(fmt.Errorf("сбой"), nil); got.Status != http.StatusInternalServerError || got.Message == "сбой" {
		t.Errorf("FromService() без fallback = %+v", got)
	}
}

func TestWriteIncludesRequestID(t *testing.T) {
	h := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Write(w, r, FromService(service.ErrGroupNotFound, nil))
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/g1", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Code      Code   `json:"code"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() ошибка: %v", err)
	}
	if rec.Code != http.StatusNotFound || body.Error.Code != CodeGroupNotFound || body.Error.RequestID != "req-42" {
		t.Errorf("ответ = %d %+v", rec.Code, body.Error)
	}
}
