package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// CacheFileRepository — интерфейс доступа к таблице cache_files.
type CacheFileRepository interface {
	// Get возвращает запись кэша по checksum.
	Get(ctx context.Context, checksum string) (*model.CacheFile, error)
	// Upsert добавляет файл в кэш; срок хранения существующей записи только растёт.
	Upsert(ctx context.Context, f *model.CacheFile) error
	// Extend продлевает срок хранения; false, если записи нет.
	Extend(ctx context.Context, checksum string, expiration time.Time) (bool, error)
	// ListExpired возвращает записи с истёкшим сроком хранения.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.CacheFile, error)
	// Delete удаляет запись кэша.
	Delete(ctx context.Context, checksum string) error
	// TotalSize возвращает суммарный размер файлов в кэше.
	TotalSize(ctx context.Context) (int64, error)
}

// cacheFileRepo — реализация CacheFileRepository.
type cacheFileRepo struct {
	db DBTX
}

// NewCacheFileRepository создаёт репозиторий файлов кэша.
func NewCacheFileRepository(db DBTX) CacheFileRepository {
	return &cacheFileRepo{db: db}
}

const cacheFileColumns = `checksum, cached_uri, size, expiration, created_at`

func scanCacheFile(row pgx.Row) (*model.CacheFile, error) {
	f := &model.CacheFile{}
	if err := row.Scan(&f.Checksum, &f.CachedURI, &f.Size, &f.Expiration, &f.CreatedAt); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *cacheFileRepo) Get(ctx context.Context, checksum string) (*model.CacheFile, error) {
	query := `SELECT ` + cacheFileColumns + ` FROM cache_files WHERE checksum = $1`

	f, err := scanCacheFile(r.db.QueryRow(ctx, query, checksum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла кэша: %w", err)
	}
	return f, nil
}

func (r *cacheFileRepo) Upsert(ctx context.Context, f *model.CacheFile) error {
	query := `
		INSERT INTO cache_files (checksum, cached_uri, size, expiration)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (checksum) DO UPDATE SET
			cached_uri = EXCLUDED.cached_uri,
			size = EXCLUDED.size,
			expiration = GREATEST(cache_files.expiration, EXCLUDED.expiration)
		RETURNING expiration, created_at`

	err := r.db.QueryRow(ctx, query, f.Checksum, f.CachedURI, f.Size, f.Expiration).
		Scan(&f.Expiration, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения файла кэша: %w", err)
	}
	return nil
}

func (r *cacheFileRepo) Extend(ctx context.Context, checksum string, expiration time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE cache_files
		SET expiration = GREATEST(expiration, $2)
		WHERE checksum = $1`, checksum, expiration)
	if err != nil {
		return false, fmt.Errorf("ошибка продления файла кэша: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *cacheFileRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.CacheFile, error) {
	query := `SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE expiration <= $1
		ORDER BY expiration
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истёкших файлов кэша: %w", err)
	}
	defer rows.Close()

	var result []*model.CacheFile
	for rows.Next() {
		f, err := scanCacheFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла кэша: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *cacheFileRepo) Delete(ctx context.Context, checksum string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cache_files WHERE checksum = $1`, checksum)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла кэша: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cacheFileRepo) TotalSize(ctx context.Context) (int64, error) {
	var size int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_files`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("ошибка расчёта размера кэша: %w", err)
	}
	return size, nil
}
