// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrGroupNotFound — группа запросов не найдена.
	ErrGroupNotFound = errors.New("группа запросов не найдена")
	// ErrLockTimeout — блокировка удаления не получена за отведённое время.
	ErrLockTimeout = errors.New("блокировка удаления не получена")
	// ErrLockBusy — блокировка удаления удерживается другим владельцем.
	ErrLockBusy = errors.New("блокировка удаления удерживается другим владельцем")
	// ErrLockNotHeld — владелец не удерживает блокировку удаления.
	ErrLockNotHeld = errors.New("блокировка удаления не удерживается владельцем")
	// ErrStorageUnknown — хранилище не сконфигурировано или отключено.
	ErrStorageUnknown = errors.New("хранилище не сконфигурировано или отключено")
	// ErrSchedulerBusy — проход планировщиков уже выполняется.
	ErrSchedulerBusy = errors.New("проход планировщиков уже выполняется")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)

// Причины отказа и ошибок, попадающие в события и журнал.
const (
	causeGroupMissing    = "groupId не задан"
	causeTooManyItems    = "превышено число файлов в элементе потока"
	causeMissingField    = "не заданы checksum, owner или storageId"
	causeStorageUnknown  = "destination storage unknown or disabled"
	causeUnsupportedURI  = "схема исходного URI не поддерживается"
	causeDeletionRunning = "файл удаляется, повторите запрос позже"
	causeGroupExpired    = "request group expired"
	causeJobLost         = "задание не завершилось за отведённое время"
	causeUnknownChecksum = "файл неизвестен"
	causeNoLocation      = "файл не доступен ни в одном сконфигурированном хранилище"
)
