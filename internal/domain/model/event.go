package model

import "time"

// FileEventType — тип события жизненного цикла файла.
type FileEventType string

const (
	EventStored            FileEventType = "STORED"
	EventReferenced        FileEventType = "REFERENCED"
	EventDeletedForOwner   FileEventType = "DELETED_FOR_OWNER"
	EventFullyDeleted      FileEventType = "FULLY_DELETED"
	EventStoreError        FileEventType = "STORE_ERROR"
	EventDeletionError     FileEventType = "DELETION_ERROR"
	EventAvailable         FileEventType = "AVAILABLE"
	EventAvailabilityError FileEventType = "AVAILABILITY_ERROR"
)

// FileEvent — событие жизненного цикла файла.
// Публикуется один раз на каждое конечное состояние логического запроса.
type FileEvent struct {
	Tenant    string        `json:"tenant"`
	Type      FileEventType `json:"type"`
	Checksum  string        `json:"checksum"`
	StorageID string        `json:"storage_id,omitempty"`
	Owner     string        `json:"owner,omitempty"`
	GroupIDs  []string      `json:"group_ids"`
	Message   string        `json:"message,omitempty"`
	Location  string        `json:"location,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// GroupErrorDetail — причина ошибки одного элемента группы.
type GroupErrorDetail struct {
	Checksum  string `json:"checksum"`
	StorageID string `json:"storage_id,omitempty"`
	Cause     string `json:"cause"`
}

// GroupEvent — событие завершения (или отклонения) группы запросов.
type GroupEvent struct {
	Tenant       string             `json:"tenant"`
	GroupID      string             `json:"group_id"`
	Type         RequestType        `json:"type"`
	Status       GroupStatus        `json:"status"`
	SuccessCount int                `json:"success_count"`
	ErrorCount   int                `json:"error_count"`
	ErrorDetails []GroupErrorDetail `json:"error_details"`
	Message      string             `json:"message,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// SessionMetric — счётчик сессии.
type SessionMetric string

const (
	MetricRequestsReceived SessionMetric = "REQUESTS_RECEIVED"
	MetricRequestsDenied   SessionMetric = "REQUESTS_DENIED"
	MetricRequestsRunning  SessionMetric = "REQUESTS_RUNNING"
	MetricRequestsErrors   SessionMetric = "REQUESTS_ERRORS"
	MetricStoredFiles      SessionMetric = "STORED_FILES"
	MetricReferencedFiles  SessionMetric = "REFERENCED_FILES"
	MetricDeletedFiles     SessionMetric = "DELETED_FILES"
	MetricRestoredFiles    SessionMetric = "RESTORED_FILES"
)

// SessionEvent — приращение счётчика для пары (sessionOwner, session).
type SessionEvent struct {
	Tenant       string        `json:"tenant"`
	SessionOwner string        `json:"session_owner"`
	Session      string        `json:"session"`
	Metric       SessionMetric `json:"metric"`
	Delta        int           `json:"delta"`
	Timestamp    time.Time     `json:"timestamp"`
}
