// Пакет driver — контракт драйверов хранилищ и их реестр.
// Драйвер сохраняет файл из исходного URI, удаляет физическую копию
// и восстанавливает файл во временный кэш.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Ошибки драйверов.
var (
	// ErrUnsupportedScheme — схема URI не поддерживается.
	ErrUnsupportedScheme = errors.New("неподдерживаемая схема URI")
	// ErrChecksumMismatch — контрольная сумма записанных данных не совпала с ожидаемой.
	ErrChecksumMismatch = errors.New("контрольная сумма не совпадает")
	// ErrInvalidURI — URI физической копии не принадлежит хранилищу.
	ErrInvalidURI = errors.New("некорректный URI физической копии")
)

// StoreRequest — параметры сохранения файла.
type StoreRequest struct {
	SourceURI string
	Checksum  string
	Algorithm string
	Filename  string
	MimeType  string
	Size      int64
	Owner     string
}

// StoreResult — результат сохранения.
// Checksum — SHA-256, вычисленный драйвером (пусто, если драйвер не считает).
type StoreResult struct {
	PhysicalURI string
	Size        int64
	Checksum    string
}

// RestoreRequest — параметры восстановления файла в кэш.
type RestoreRequest struct {
	PhysicalURI string
	Checksum    string
	Algorithm   string
	CacheDir    string
}

// RestoreResult — результат восстановления.
type RestoreResult struct {
	CachedURI string
	Size      int64
}

// Driver — драйвер хранилища.
type Driver interface {
	Store(ctx context.Context, req StoreRequest) (StoreResult, error)
	Delete(ctx context.Context, physicalURI string) error
	Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error)
}

// CapacityReporter — драйвер, умеющий сообщать ёмкость хранилища.
type CapacityReporter interface {
	Capacity(ctx context.Context) (total, used int64, err error)
}

// ComparableChecksum проверяет, что контрольную сумму с алгоритмом algorithm
// можно сравнить с SHA-256, вычисленным драйвером.
func ComparableChecksum(algorithm string) bool {
	switch strings.ToUpper(strings.ReplaceAll(algorithm, "-", "")) {
	case "SHA256":
		return true
	default:
		return false
	}
}

// verify сравнивает вычисленную сумму с ожидаемой, если алгоритм совместим.
func verify(expected, algorithm, actual string) error {
	if expected == "" || actual == "" || !ComparableChecksum(algorithm) {
		return nil
	}
	if !strings.EqualFold(expected, actual) {
		return fmt.Errorf("%w: ожидается %s, получено %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}
