package driver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalDriver — хранилище в дереве каталогов локального диска.
// Файлы раскладываются по подкаталогам из первых символов checksum.
type LocalDriver struct {
	root   string
	source *SourceOpener
}

// NewLocalDriver создаёт драйвер локального диска. Корневой каталог создаётся при необходимости.
func NewLocalDriver(root string, source *SourceOpener) (*LocalDriver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("некорректный корневой каталог %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать корневой каталог %s: %w", abs, err)
	}
	return &LocalDriver{root: abs, source: source}, nil
}

// Store копирует исходный файл в хранилище с подсчётом SHA-256.
func (d *LocalDriver) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	src, err := d.source.Open(ctx, req.SourceURI)
	if err != nil {
		return StoreResult{}, err
	}
	defer src.Close()

	dir := filepath.Join(d.root, shard(req.Checksum))
	w, err := writeFile(dir, storageName(req.Filename, req.Owner), src)
	if err != nil {
		return StoreResult{}, err
	}
	if err := verify(req.Checksum, req.Algorithm, w.Checksum); err != nil {
		os.Remove(w.Path)
		return StoreResult{}, err
	}

	return StoreResult{PhysicalURI: fileURI(w.Path), Size: w.Size, Checksum: w.Checksum}, nil
}

// Delete удаляет физическую копию. Отсутствующий файл — не ошибка.
func (d *LocalDriver) Delete(_ context.Context, physicalURI string) error {
	path, err := d.resolve(physicalURI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Restore копирует файл хранилища в каталог кэша.
func (d *LocalDriver) Restore(_ context.Context, req RestoreRequest) (RestoreResult, error) {
	path, err := d.resolve(req.PhysicalURI)
	if err != nil {
		return RestoreResult{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()
	return restoreInto(req, f)
}

// resolve проверяет, что URI указывает на файл внутри корневого каталога.
func (d *LocalDriver) resolve(physicalURI string) (string, error) {
	u, err := url.Parse(physicalURI)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, physicalURI)
	}
	path := filepath.Clean(u.Path)
	if !strings.HasPrefix(path, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s вне %s", ErrInvalidURI, path, d.root)
	}
	return path, nil
}

// shard возвращает подкаталог для файла по первым двум символам checksum.
func shard(checksum string) string {
	s := sanitize(strings.ToLower(checksum))
	if len(s) < 2 {
		return "_"
	}
	return s[:2]
}

// storageName генерирует имя файла для хранения на диске.
// Формат: {name}_{owner}_{timestamp}_{uuid}.{ext}
func storageName(originalFilename, owner string) string {
	ext := filepath.Ext(originalFilename)
	name := sanitize(strings.TrimSuffix(originalFilename, ext))
	user := sanitize(owner)

	if len(name) > 50 {
		name = name[:50]
	}
	if len(user) > 20 {
		user = user[:20]
	}

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s_%s%s", name, user, ts, uid, sanitizeExt(ext))
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + sanitize(strings.TrimPrefix(ext, "."))
}
