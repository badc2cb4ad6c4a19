package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SourceOpener открывает исходные файлы по URI (file://, http://, https://).
type SourceOpener struct {
	httpClient *http.Client
}

// NewSourceOpener создаёт SourceOpener; httpClient nil — клиент с таймаутом 5 минут.
func NewSourceOpener(httpClient *http.Client) *SourceOpener {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &SourceOpener{httpClient: httpClient}
}

// SupportedSource проверяет, что схема исходного URI поддерживается.
func SupportedSource(rawURI string) bool {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return u.Path != ""
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}

// Open открывает исходный файл для чтения. Вызывающий код закрывает ReadCloser.
func (o *SourceOpener) Open(ctx context.Context, rawURI string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, rawURI)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("ошибка открытия исходного файла %s: %w", u.Path, err)
		}
		return f, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURI, nil)
		if err != nil {
			return nil, fmt.Errorf("создание запроса к %s: %w", rawURI, err)
		}
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("запрос исходного файла %s: %w", rawURI, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("источник %s вернул статус %d", rawURI, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// writtenFile — результат записи файла на диск.
type writtenFile struct {
	Path     string
	Size     int64
	Checksum string
}

// writeFile записывает данные из reader в dir/name с подсчётом SHA-256 на лету.
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func writeFile(dir, name string, reader io.Reader) (*writtenFile, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	fullPath := filepath.Join(dir, name)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &writtenFile{
		Path:     fullPath,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// restoreInto копирует поток в кэш под именем checksum и проверяет сумму.
func restoreInto(req RestoreRequest, reader io.Reader) (RestoreResult, error) {
	name := sanitize(req.Checksum)
	w, err := writeFile(req.CacheDir, name, reader)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := verify(req.Checksum, req.Algorithm, w.Checksum); err != nil {
		os.Remove(w.Path)
		return RestoreResult{}, err
	}
	return RestoreResult{CachedURI: fileURI(w.Path), Size: w.Size}, nil
}

// fileURI возвращает file:// URI абсолютного пути.
func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// RemoveCached удаляет файл кэша по file:// URI. Отсутствующий файл — не ошибка.
func RemoveCached(cachedURI string) error {
	u, err := url.Parse(cachedURI)
	if err != nil || u.Scheme != "file" {
		return fmt.Errorf("%w: %s", ErrInvalidURI, cachedURI)
	}
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла кэша %s: %w", u.Path, err)
	}
	return nil
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
