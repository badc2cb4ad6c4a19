// Пакет errors — ответы HTTP API оркестратора с ошибками.
// Тело: {"error": {"code": "...", "message": "...", "request_id": "..."}}.
// Ошибки сервисного слоя переводятся в коды API функцией FromService,
// foctl разбирает code из ответа.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

// Code — машинно-читаемый код ошибки API.
type Code string

const (
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeGroupNotFound   Code = "GROUP_NOT_FOUND"
	CodeStorageUnknown  Code = "STORAGE_UNKNOWN"
	CodeLockBusy        Code = "LOCK_BUSY"
	CodeLockNotHeld     Code = "LOCK_NOT_HELD"
	CodeLockTimeout     Code = "LOCK_TIMEOUT"
	CodeSweepRunning    Code = "SWEEP_RUNNING"
	CodeUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// Error — ошибка ответа API.
type Error struct {
	Status  int
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Invalid — 400, некорректные параметры или тело запроса.
func Invalid(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidationError, Message: message}
}

// Unavailable — 503, недоступно хранилище блокировок или журнал.
func Unavailable(message string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: message}
}

// Internal — 500.
func Internal(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternalError, Message: message}
}

// serviceErrors — статусы и коды ошибок сервисного слоя.
var serviceErrors = []struct {
	target error
	status int
	code   Code
}{
	{service.ErrValidation, http.StatusBadRequest, CodeValidationError},
	{service.ErrGroupNotFound, http.StatusNotFound, CodeGroupNotFound},
	{service.ErrStorageUnknown, http.StatusUnprocessableEntity, CodeStorageUnknown},
	{service.ErrLockBusy, http.StatusConflict, CodeLockBusy},
	{service.ErrLockNotHeld, http.StatusConflict, CodeLockNotHeld},
	{service.ErrLockTimeout, http.StatusServiceUnavailable, CodeLockTimeout},
	{service.ErrSchedulerBusy, http.StatusConflict, CodeSweepRunning},
}

// FromService переводит ошибку сервисного слоя в ошибку API.
// Для прочих ошибок возвращается fallback: их текст клиенту не отдаётся.
func FromService(err error, fallback *Error) *Error {
	for _, m := range serviceErrors {
		if stderrors.Is(err, m.target) {
			return &Error{Status: m.status, Code: m.code, Message: err.Error()}
		}
	}
	if fallback == nil {
		return Internal("внутренняя ошибка")
	}
	return fallback
}

// Known сообщает, есть ли у ошибки собственный код API. Неизвестные
// ошибки обработчики логируют перед ответом.
func Known(err error) bool {
	for _, m := range serviceErrors {
		if stderrors.Is(err, m.target) {
			return true
		}
	}
	return false
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Write записывает ошибку. request_id — идентификатор от chi RequestID,
// тот же, что в журнале HTTP-запросов.
func Write(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: chimw.GetReqID(r.Context()),
	}})
}
