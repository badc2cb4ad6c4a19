// CacheService — временный кэш восстановленных nearline-файлов.
// Поиск записей ускоряется LRU-кэшем с TTL (hashicorp/golang-lru/v2/expirable);
// таблица cache_files остаётся источником истины.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// cacheLookupSize — максимум записей LRU поиска.
const cacheLookupSize = 10000

// CacheService — учёт файлов временного кэша.
type CacheService struct {
	files   repository.CacheFileRepository
	lookup  *expirable.LRU[string, *model.CacheFile]
	dir     string
	maxSize int64
	now     func() time.Time
	logger  *slog.Logger
}

// NewCacheService создаёт сервис кэша.
// dir — каталог файлов кэша, maxSize — лимит размера в байтах,
// lookupTTL — время жизни записи LRU поиска.
func NewCacheService(files repository.CacheFileRepository, dir string, maxSize int64, lookupTTL time.Duration, logger *slog.Logger) *CacheService {
	return &CacheService{
		files:   files,
		lookup:  expirable.NewLRU[string, *model.CacheFile](cacheLookupSize, nil, lookupTTL),
		dir:     dir,
		maxSize: maxSize,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "cache")),
	}
}

// Dir возвращает каталог файлов кэша.
func (c *CacheService) Dir() string {
	return c.dir
}

// Lookup возвращает неистёкшую запись кэша или nil.
func (c *CacheService) Lookup(ctx context.Context, checksum string) (*model.CacheFile, error) {
	now := c.now()
	if f, ok := c.lookup.Get(checksum); ok && !f.Expired(now) {
		cacheLookupHits.Inc()
		return f, nil
	}
	cacheLookupMisses.Inc()

	f, err := c.files.Get(ctx, checksum)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("поиск файла в кэше: %w", err)
	}
	if f.Expired(now) {
		return nil, nil
	}
	c.lookup.Add(checksum, f)
	return f, nil
}

// Available продлевает срок хранения файла в кэше до expiration,
// если файл в кэше есть. Срок хранения только растёт.
func (c *CacheService) Available(ctx context.Context, checksum string, expiration time.Time) (*model.CacheFile, error) {
	f, err := c.Lookup(ctx, checksum)
	if err != nil || f == nil {
		return nil, err
	}
	if !expiration.After(f.Expiration) {
		return f, nil
	}
	ok, err := c.files.Extend(ctx, checksum, expiration)
	if err != nil {
		return nil, fmt.Errorf("продление срока файла в кэше: %w", err)
	}
	if !ok {
		c.lookup.Remove(checksum)
		return nil, nil
	}
	extended := *f
	extended.Expiration = expiration
	c.lookup.Add(checksum, &extended)
	return &extended, nil
}

// Add регистрирует восстановленный файл.
func (c *CacheService) Add(ctx context.Context, f *model.CacheFile) error {
	if err := c.files.Upsert(ctx, f); err != nil {
		return fmt.Errorf("регистрация файла в кэше: %w", err)
	}
	c.lookup.Add(f.Checksum, f)
	return nil
}

// Remove удаляет файл из кэша вместе с файлом на диске.
func (c *CacheService) Remove(ctx context.Context, checksum string) error {
	f, err := c.files.Get(ctx, checksum)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.lookup.Remove(checksum)
			return nil
		}
		return err
	}
	return c.remove(ctx, f)
}

func (c *CacheService) remove(ctx context.Context, f *model.CacheFile) error {
	if err := driver.RemoveCached(f.CachedURI); err != nil {
		c.logger.Warn("Не удалось удалить файл кэша",
			slog.String("checksum", f.Checksum),
			slog.String("error", err.Error()),
		)
	}
	c.lookup.Remove(f.Checksum)
	if err := c.files.Delete(ctx, f.Checksum); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("удаление записи кэша: %w", err)
	}
	return nil
}

// Free возвращает свободный объём кэша с учётом выполняющихся восстановлений.
func (c *CacheService) Free(ctx context.Context, running int64) (int64, error) {
	used, err := c.files.TotalSize(ctx)
	if err != nil {
		return 0, fmt.Errorf("размер кэша: %w", err)
	}
	cacheUsedBytes.Set(float64(used))
	return c.maxSize - used - running, nil
}

// Purge удаляет не более limit файлов с истёкшим сроком хранения.
func (c *CacheService) Purge(ctx context.Context, limit int) (int, error) {
	expired, err := c.files.ListExpired(ctx, c.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("выбор истёкших файлов кэша: %w", err)
	}
	purged := 0
	for _, f := range expired {
		if err := c.remove(ctx, f); err != nil {
			c.logger.Error("Ошибка очистки кэша",
				slog.String("checksum", f.Checksum),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
	}
	if purged > 0 {
		cachePurgedTotal.Add(float64(purged))
		c.logger.Info("Истёкшие файлы удалены из кэша", slog.Int("purged", purged))
	}
	return purged, nil
}
