package model

import "time"

// Batch — пакет входящих запросов одного типа.
// Закрытый набор вариантов: ReferenceBatch, StoreBatch, DeletionBatch,
// AvailabilityBatch, RetryBatch. Обработчик выбирается через type switch.
type Batch interface {
	// Kind возвращает тип потока.
	Kind() RequestType
	// Len возвращает количество элементов потока в пакете.
	Len() int
	sealed()
}

// FileRequest — запрос на ссылку или сохранение одного файла.
type FileRequest struct {
	Filename     string `json:"filename"`
	Checksum     string `json:"checksum"`
	Algorithm    string `json:"algorithm"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Owner        string `json:"owner"`
	StorageID    string `json:"storage_id"`
	SourceURI    string `json:"source_uri"`
	SessionOwner string `json:"session_owner"`
	Session      string `json:"session"`
}

// Item возвращает элемент группы файла.
func (f FileRequest) Item() GroupItem {
	return GroupItem{Checksum: f.Checksum, StorageID: f.StorageID, Owner: f.Owner}
}

// ReferenceFlowItem — запрос на логическую ссылку на файлы (без физической копии).
type ReferenceFlowItem struct {
	GroupID string        `json:"group_id"`
	Files   []FileRequest `json:"files"`
}

// StoreFlowItem — запрос на физическое сохранение файлов.
type StoreFlowItem struct {
	GroupID string        `json:"group_id"`
	Files   []FileRequest `json:"files"`
}

// DeletionFile — запрос на удаление владельца файла.
type DeletionFile struct {
	Checksum     string `json:"checksum"`
	StorageID    string `json:"storage_id"`
	Owner        string `json:"owner"`
	SessionOwner string `json:"session_owner"`
	Session      string `json:"session"`
	Force        bool   `json:"force"`
}

// Item возвращает элемент группы файла.
func (f DeletionFile) Item() GroupItem {
	return GroupItem{Checksum: f.Checksum, StorageID: f.StorageID, Owner: f.Owner}
}

// DeletionFlowItem — запрос на удаление файлов.
type DeletionFlowItem struct {
	GroupID string         `json:"group_id"`
	Files   []DeletionFile `json:"files"`
}

// AvailabilityFlowItem — запрос на доступность файлов до указанного момента.
type AvailabilityFlowItem struct {
	GroupID      string    `json:"group_id"`
	Checksums    []string  `json:"checksums"`
	Expiration   time.Time `json:"expiration"`
	SessionOwner string    `json:"session_owner"`
	Session      string    `json:"session"`
}

// RetryFlowItem — повтор запросов в статусе ERROR по группе или владельцам.
// Type пустой — повторяются все типы запросов.
type RetryFlowItem struct {
	GroupID string      `json:"group_id,omitempty"`
	Owners  []string    `json:"owners,omitempty"`
	Type    RequestType `json:"type,omitempty"`
}

// ReferenceBatch — пакет запросов на ссылку.
type ReferenceBatch struct {
	Tenant string
	Items  []ReferenceFlowItem
}

// StoreBatch — пакет запросов на сохранение.
type StoreBatch struct {
	Tenant string
	Items  []StoreFlowItem
}

// DeletionBatch — пакет запросов на удаление.
type DeletionBatch struct {
	Tenant string
	Items  []DeletionFlowItem
}

// AvailabilityBatch — пакет запросов доступности.
type AvailabilityBatch struct {
	Tenant string
	Items  []AvailabilityFlowItem
}

// RetryBatch — пакет запросов повтора.
type RetryBatch struct {
	Tenant string
	Items  []RetryFlowItem
}

func (b ReferenceBatch) Kind() RequestType    { return RequestReference }
func (b StoreBatch) Kind() RequestType        { return RequestStorage }
func (b DeletionBatch) Kind() RequestType     { return RequestDeletion }
func (b AvailabilityBatch) Kind() RequestType { return RequestAvailability }
func (b RetryBatch) Kind() RequestType        { return RequestRetry }

func (b ReferenceBatch) Len() int    { return len(b.Items) }
func (b StoreBatch) Len() int        { return len(b.Items) }
func (b DeletionBatch) Len() int     { return len(b.Items) }
func (b AvailabilityBatch) Len() int { return len(b.Items) }
func (b RetryBatch) Len() int        { return len(b.Items) }

func (ReferenceBatch) sealed()    {}
func (StoreBatch) sealed()        {}
func (DeletionBatch) sealed()     {}
func (AvailabilityBatch) sealed() {}
func (RetryBatch) sealed()        {}
