package model

import "time"

// RequestType — тип запроса (и соответствующего потока).
type RequestType string

const (
	RequestReference    RequestType = "REFERENCE"
	RequestStorage      RequestType = "STORAGE"
	RequestDeletion     RequestType = "DELETION"
	RequestAvailability RequestType = "AVAILABILITY"
	RequestRetry        RequestType = "RETRY"
)

// RequestStatus — статус запроса в журнале.
// Успешное завершение — удаление записи, а не статус.
type RequestStatus string

const (
	StatusToDo    RequestStatus = "TO_DO"
	StatusRunning RequestStatus = "RUNNING"
	StatusError   RequestStatus = "ERROR"
)

// StorageRequest — запрос на физическое сохранение файла.
// Уникален по (checksum, storage_id, owner).
type StorageRequest struct {
	ID           int64
	Checksum     string
	Algorithm    string
	Filename     string
	MimeType     string
	Size         int64
	OriginURI    string
	StorageID    string
	Owner        string
	SessionOwner string
	Session      string
	GroupID      string
	Status       RequestStatus
	ErrorCause   string
	RetryCount   int
	// DelayedUntil — запрос не выбирается планировщиком до этого момента
	DelayedUntil *time.Time
	// Postponed — сколько раз запрос откладывался (для экспоненциальной задержки)
	Postponed int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delayed проверяет, что запрос ожидает завершения другого запроса на тот же файл.
func (r *StorageRequest) Delayed() bool {
	return r.DelayedUntil != nil
}

// Key возвращает ключ (checksum, storage) для индекса выполняющихся запросов.
func (r *StorageRequest) Key() string {
	return InFlightKey(r.Checksum, r.StorageID)
}

// Item возвращает элемент группы запроса.
func (r *StorageRequest) Item() GroupItem {
	return GroupItem{Checksum: r.Checksum, StorageID: r.StorageID, Owner: r.Owner}
}

// DeletionRequest — запрос на физическое удаление файла.
// Привязан к одной FileReference (уникален по file_ref_id).
type DeletionRequest struct {
	ID           int64
	FileRefID    int64
	StorageID    string
	Checksum     string
	Owner        string
	Force        bool
	SessionOwner string
	Session      string
	GroupID      string
	Status       RequestStatus
	ErrorCause   string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Item возвращает элемент группы запроса.
func (r *DeletionRequest) Item() GroupItem {
	return GroupItem{Checksum: r.Checksum, StorageID: r.StorageID, Owner: r.Owner}
}

// CacheRequest — запрос на восстановление nearline-файла в кэш.
// Уникален по checksum, объединяет группы нескольких запросов доступности.
type CacheRequest struct {
	ID           int64
	Checksum     string
	StorageID    string
	FileRefID    int64
	PhysicalURI  string
	Size         int64
	Expiration   time.Time
	GroupIDs     []string
	SessionOwner string
	Session      string
	Status       RequestStatus
	ErrorCause   string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Item возвращает элемент группы доступности: хранилище выбирается
// при обработке и в ключ не входит.
func (r *CacheRequest) Item() GroupItem {
	return GroupItem{Checksum: r.Checksum}
}

// RequestInfo — обобщённое представление записи журнала для запросов статуса.
type RequestInfo struct {
	ID         int64         `json:"id"`
	Type       RequestType   `json:"type"`
	Checksum   string        `json:"checksum"`
	StorageID  string        `json:"storage_id"`
	Owner      string        `json:"owner,omitempty"`
	GroupIDs   []string      `json:"group_ids"`
	Status     RequestStatus `json:"status"`
	ErrorCause string        `json:"error_cause,omitempty"`
	RetryCount int           `json:"retry_count"`
	CreatedAt  time.Time     `json:"created_at"`
}

// InFlightKey — ключ индекса выполняющихся запросов для пары (checksum, storage).
func InFlightKey(checksum, storageID string) string {
	return checksum + "|" + storageID
}
