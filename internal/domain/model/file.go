// Пакет model — доменные модели оркестратора файлов.
package model

import (
	"slices"
	"time"
)

// StorageTier — уровень хранения файла.
type StorageTier string

const (
	// TierOnline — файл доступен для чтения немедленно.
	TierOnline StorageTier = "ONLINE"
	// TierNearline — требуется восстановление в кэш перед чтением.
	TierNearline StorageTier = "NEARLINE"
	// TierCache — временная локальная копия nearline-файла.
	TierCache StorageTier = "CACHE"
)

// Valid проверяет, что уровень хранения допустим для хранилища.
// CACHE — внутренний уровень и не может быть задан для хранилища.
func (t StorageTier) Valid() bool {
	return t == TierOnline || t == TierNearline
}

// FileReference — ссылка на файл, известный в одном из хранилищ.
// Хранится в таблице file_references, уникальна по (storage_id, checksum).
type FileReference struct {
	// ID — суррогатный ключ
	ID int64
	// StorageID — идентификатор хранилища
	StorageID string
	// Checksum — контрольная сумма содержимого
	Checksum string
	// Algorithm — алгоритм контрольной суммы (SHA-256, MD5, ...)
	Algorithm string
	// Filename — имя файла
	Filename string
	// Size — размер в байтах
	Size int64
	// MimeType — MIME-тип
	MimeType string
	// Tier — уровень хранения (ONLINE, NEARLINE)
	Tier StorageTier
	// PhysicalURI — расположение физической копии (или исходный URI для логических ссылок)
	PhysicalURI string
	// Owners — владельцы ссылки, не пусто пока ссылка существует
	Owners []string
	// Referenced — только логическая ссылка, физической копией сервис не управляет
	Referenced bool
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// HasOwner проверяет, принадлежит ли ссылка указанному владельцу.
func (f *FileReference) HasOwner(owner string) bool {
	return slices.Contains(f.Owners, owner)
}

// CacheFile — файл во временном кэше.
// Хранится в таблице cache_files, уникален по checksum.
type CacheFile struct {
	Checksum   string
	CachedURI  string
	Size       int64
	Expiration time.Time
	CreatedAt  time.Time
}

// Expired проверяет, истёк ли срок хранения файла в кэше.
func (c *CacheFile) Expired(now time.Time) bool {
	return !c.Expiration.After(now)
}
